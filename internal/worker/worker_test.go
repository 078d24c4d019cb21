package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minhvo-dev/docpipe/internal/engine"
	"github.com/minhvo-dev/docpipe/internal/job"
)

// --- in-memory broker ---------------------------------------------------

type memMessage struct {
	body          []byte
	id            string
	deliveryCount int
}

type poisonEntry struct {
	messageID string
	reason    string
	body      []byte
}

// memQueue is an in-memory lease-based broker for scheduler tests. It
// tracks how many leases are outstanding at once and the largest batch
// ever requested, which is what the backpressure assertions need.
type memQueue struct {
	mu             sync.Mutex
	pending        []*memMessage
	deliveries     int
	outstanding    int
	maxOutstanding int
	maxRequested   int
	completed      int
	abandoned      int
	poisoned       []poisonEntry
	failSettle     bool
}

func (q *memQueue) Send(ctx context.Context, body []byte, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, &memMessage{body: body, id: messageID})
	return nil
}

func (q *memQueue) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]job.Lease, error) {
	q.mu.Lock()
	if maxCount > q.maxRequested {
		q.maxRequested = maxCount
	}

	n := maxCount
	if n > len(q.pending) {
		n = len(q.pending)
	}

	leases := make([]job.Lease, 0, n)
	for i := 0; i < n; i++ {
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.deliveries++
		q.outstanding++
		if q.outstanding > q.maxOutstanding {
			q.maxOutstanding = q.outstanding
		}
		leases = append(leases, &memLease{q: q, msg: msg})
	}
	q.mu.Unlock()

	if len(leases) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(maxWait):
		}
	}

	return leases, nil
}

func (q *memQueue) snapshot() (pending, completed, abandoned int, poisoned []poisonEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), q.completed, q.abandoned, append([]poisonEntry(nil), q.poisoned...)
}

type memLease struct {
	q   *memQueue
	msg *memMessage
}

func (l *memLease) Body() []byte       { return l.msg.body }
func (l *memLease) MessageID() string  { return l.msg.id }
func (l *memLease) DeliveryCount() int { return l.msg.deliveryCount }

func (l *memLease) Complete() error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if l.q.failSettle {
		return errors.New("broker unavailable")
	}
	l.q.outstanding--
	l.q.completed++
	return nil
}

func (l *memLease) Abandon() error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if l.q.failSettle {
		return errors.New("broker unavailable")
	}
	l.q.outstanding--
	l.q.abandoned++
	l.msg.deliveryCount++
	l.q.pending = append(l.q.pending, l.msg)
	return nil
}

func (l *memLease) DeadLetter(reason string) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if l.q.failSettle {
		return errors.New("broker unavailable")
	}
	l.q.outstanding--
	l.q.completed++
	l.q.poisoned = append(l.q.poisoned, poisonEntry{
		messageID: l.msg.id,
		reason:    reason,
		body:      l.msg.body,
	})
	return nil
}

// --- in-memory collaborators --------------------------------------------

type recordedUpdate struct {
	status      string
	resultRef   string
	errorDetail string
}

type memStatusStore struct {
	mu      sync.Mutex
	history map[string][]recordedUpdate
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{history: make(map[string][]recordedUpdate)}
}

func (s *memStatusStore) Get(ctx context.Context, jobID string) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[jobID]
	if !ok || len(h) == 0 {
		return nil, job.ErrJobNotFound
	}
	last := h[len(h)-1]
	return &job.Record{
		JobID:       jobID,
		Status:      last.status,
		ResultRef:   last.resultRef,
		ErrorDetail: last.errorDetail,
	}, nil
}

func (s *memStatusStore) Create(ctx context.Context, rec *job.Record) error {
	return s.MergeUpdate(ctx, rec.JobID, rec.Status, rec.ResultRef, rec.ErrorDetail)
}

func (s *memStatusStore) MergeUpdate(ctx context.Context, jobID, status, resultRef, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[jobID] = append(s.history[jobID], recordedUpdate{
		status:      status,
		resultRef:   resultRef,
		errorDetail: errorDetail,
	})
	return nil
}

func (s *memStatusStore) statuses(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.history[jobID]))
	for _, u := range s.history[jobID] {
		out = append(out, u.status)
	}
	return out
}

type memContentStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemContentStore() *memContentStore {
	return &memContentStore{blobs: make(map[string][]byte)}
}

func (c *memContentStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobs[name] = data
	return name, nil
}

func (c *memContentStore) Get(ctx context.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	return data, nil
}

// --- test engines --------------------------------------------------------

type fixedEngine struct {
	text string
	err  error
}

func (e *fixedEngine) Transform(ctx context.Context, data []byte) (string, error) {
	return e.text, e.err
}

// gatedEngine blocks each transform until the gate channel yields
type gatedEngine struct {
	gate <-chan struct{}
}

func (e *gatedEngine) Transform(ctx context.Context, data []byte) (string, error) {
	select {
	case <-e.gate:
		return "gated text", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// --- helpers -------------------------------------------------------------

func newTestPool(t *testing.T, size int, factory engine.Factory) *engine.Pool {
	t.Helper()
	pool, err := engine.NewPool(factory, size, time.Second, slog.Default())
	require.NoError(t, err)
	return pool
}

func enqueueJob(t *testing.T, q *memQueue, content *memContentStore, jobID string, data []byte) {
	t.Helper()

	ref, err := content.Put(context.Background(), jobID+".png", data)
	require.NoError(t, err)

	body, err := json.Marshal(job.Message{
		JobID:      jobID,
		ContentRef: ref,
		SourceName: jobID + ".png",
		CreatedAt:  time.Now().UTC(),
		SizeBytes:  int64(len(data)),
	})
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), body, jobID))
}

func newTestWorker(q *memQueue, status *memStatusStore, content *memContentStore, pool *engine.Pool, concurrency, maxRetries int) *Worker {
	return New(&Config{
		Logger:       slog.Default(),
		Queue:        q,
		Status:       status,
		Content:      content,
		Engines:      pool,
		Concurrency:  concurrency,
		MaxRetries:   maxRetries,
		ReceiveWait:  10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	})
}

// runWorker starts w.Run and returns a stop func that blocks until the
// loop has exited.
func runWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(context.Background())
	}()

	return func() {
		w.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop in time")
		}
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- tests ---------------------------------------------------------------

func TestWorker_SuccessPath(t *testing.T) {
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &fixedEngine{text: "extracted text"}, nil
	})

	enqueueJob(t, q, content, "job-1", []byte("image"))

	w := newTestWorker(q, status, content, pool, 1, 3)
	stop := runWorker(t, w)

	waitFor(t, 2*time.Second, func() bool {
		_, completed, _, _ := q.snapshot()
		return completed == 1
	}, "job never completed")
	stop()

	// Result persisted under <id>.txt and lease settled exactly once.
	result, err := content.Get(context.Background(), "job-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "extracted text", string(result))

	pending, completed, abandoned, poisoned := q.snapshot()
	assert.Zero(t, pending)
	assert.Equal(t, 1, completed)
	assert.Zero(t, abandoned)
	assert.Empty(t, poisoned)

	// Status moved strictly forward: processing then completed.
	assert.Equal(t, []string{job.StatusProcessing, job.StatusCompleted}, status.statuses("job-1"))

	rec, err := status.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1.txt", rec.ResultRef)
	assert.Empty(t, rec.ErrorDetail)
}

func TestWorker_RetryBoundThenPoison(t *testing.T) {
	const maxRetries = 3

	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &fixedEngine{err: errors.New("ocr blew up")}, nil
	})

	enqueueJob(t, q, content, "doomed", []byte("image"))

	w := newTestWorker(q, status, content, pool, 1, maxRetries)
	stop := runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		_, _, _, poisoned := q.snapshot()
		return len(poisoned) == 1
	}, "message never reached the poison queue")
	stop()

	pending, completed, abandoned, poisoned := q.snapshot()

	// Attempted maxRetries+1 times total, then poisoned exactly once
	// and acknowledged so it is never redelivered.
	q.mu.Lock()
	deliveries := q.deliveries
	q.mu.Unlock()
	assert.Equal(t, maxRetries+1, deliveries)
	assert.Equal(t, maxRetries, abandoned)
	require.Len(t, poisoned, 1)
	assert.Equal(t, "doomed", poisoned[0].messageID)
	assert.Contains(t, poisoned[0].reason, "ocr blew up")
	assert.Equal(t, 1, completed, "poison path completes the original lease")
	assert.Zero(t, pending)

	// Poison record embeds the original message body.
	var msg job.Message
	require.NoError(t, json.Unmarshal(poisoned[0].body, &msg))
	assert.Equal(t, "doomed", msg.JobID)

	// Terminal status is failed with a non-empty error detail.
	rec, err := status.Get(context.Background(), "doomed")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorDetail)
}

func TestWorker_StatusNeverRegresses(t *testing.T) {
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &fixedEngine{err: errors.New("always fails")}, nil
	})

	enqueueJob(t, q, content, "retry-me", []byte("image"))

	w := newTestWorker(q, status, content, pool, 1, 2)
	stop := runWorker(t, w)
	waitFor(t, 5*time.Second, func() bool {
		_, _, _, poisoned := q.snapshot()
		return len(poisoned) == 1
	}, "message never poisoned")
	stop()

	// Each delivery observes processing followed by a terminal status,
	// and completed is absorbing: nothing ever follows it. A retry may
	// move failed back to processing, but a completed job never
	// regresses.
	history := status.statuses("retry-me")
	require.NotEmpty(t, history)
	for i, s := range history {
		require.Contains(t,
			[]string{job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed}, s)
		if s == job.StatusCompleted {
			assert.Equal(t, len(history)-1, i, "status written after completed: %v", history)
		}
	}
	assert.Equal(t, job.StatusFailed, history[len(history)-1])
}

func TestWorker_Backpressure(t *testing.T) {
	const (
		slots = 2
		jobs  = 6
	)

	gate := make(chan struct{})
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, slots, func() (engine.Engine, error) {
		return &gatedEngine{gate: gate}, nil
	})

	for i := 0; i < jobs; i++ {
		enqueueJob(t, q, content, fmt.Sprintf("job-%d", i), []byte("image"))
	}

	w := newTestWorker(q, status, content, pool, slots, 1)
	stop := runWorker(t, w)

	// Both slots fill, then the scheduler must stop leasing.
	waitFor(t, 2*time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.outstanding == slots
	}, "slots never filled")
	time.Sleep(50 * time.Millisecond)

	q.mu.Lock()
	assert.Equal(t, slots, q.maxOutstanding, "leased beyond free slots")
	assert.LessOrEqual(t, q.maxRequested, slots, "requested more than slot count")
	q.mu.Unlock()

	// Release the transforms and let everything drain through.
	for i := 0; i < jobs; i++ {
		gate <- struct{}{}
	}

	waitFor(t, 5*time.Second, func() bool {
		_, completed, _, _ := q.snapshot()
		return completed == jobs
	}, "jobs never drained")
	stop()

	q.mu.Lock()
	assert.Equal(t, slots, q.maxOutstanding)
	q.mu.Unlock()
	assert.Equal(t, slots, pool.Available(), "all engine handles returned")
}

func TestWorker_PoolExhaustionIsRetryable(t *testing.T) {
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()

	// Two worker slots over a single-handle pool with a tiny acquire
	// timeout: one of two simultaneous jobs must fail PoolExhausted
	// and come back around for a successful retry.
	pool, err := engine.NewPool(func() (engine.Engine, error) {
		return &fixedEngine{text: "ok"}, nil
	}, 1, 20*time.Millisecond, slog.Default())
	require.NoError(t, err)

	enqueueJob(t, q, content, "a", []byte("image"))
	enqueueJob(t, q, content, "b", []byte("image"))

	w := newTestWorker(q, status, content, pool, 2, 3)
	stop := runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		_, completed, _, _ := q.snapshot()
		return completed == 2
	}, "both jobs should eventually complete")
	stop()

	_, _, _, poisoned := q.snapshot()
	assert.Empty(t, poisoned, "pool exhaustion must retry, not poison")
	assert.Equal(t, 1, pool.Available())
}

func TestWorker_MalformedMessageGoesThroughFailurePolicy(t *testing.T) {
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &fixedEngine{text: "unused"}, nil
	})

	require.NoError(t, q.Send(context.Background(), []byte("{not json"), "garbage"))

	w := newTestWorker(q, status, content, pool, 1, 1)
	stop := runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		_, _, _, poisoned := q.snapshot()
		return len(poisoned) == 1
	}, "malformed message never poisoned")
	stop()

	_, _, abandoned, poisoned := q.snapshot()
	assert.Equal(t, 1, abandoned, "one retry before poisoning at maxRetries=1")
	assert.Equal(t, "garbage", poisoned[0].messageID)
}

func TestWorker_SettleFailureDoesNotCrashLoop(t *testing.T) {
	q := &memQueue{failSettle: true}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &fixedEngine{text: "text"}, nil
	})

	enqueueJob(t, q, content, "stuck", []byte("image"))

	w := newTestWorker(q, status, content, pool, 1, 3)
	stop := runWorker(t, w)

	// The complete call fails; the worker logs, leaves the lease to
	// expire, and keeps running.
	waitFor(t, 2*time.Second, func() bool {
		return len(status.statuses("stuck")) >= 2
	}, "job was never processed")
	time.Sleep(20 * time.Millisecond)
	stop()

	_, completed, _, _ := q.snapshot()
	assert.Zero(t, completed)
	assert.Equal(t, 1, pool.Available(), "handle returned despite settle failure")
}

func TestWorker_DrainWaitsForInflight(t *testing.T) {
	gate := make(chan struct{})
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &gatedEngine{gate: gate}, nil
	})

	enqueueJob(t, q, content, "slow", []byte("image"))

	w := newTestWorker(q, status, content, pool, 1, 3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(context.Background())
	}()

	waitFor(t, 2*time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.outstanding == 1
	}, "job never started")

	// Stop halts leasing but the in-flight transform keeps running
	// until the gate opens.
	w.Stop()
	select {
	case <-done:
		t.Fatal("worker exited before in-flight job finished")
	case <-time.After(100 * time.Millisecond):
	}

	gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after drain")
	}

	_, completed, _, _ := q.snapshot()
	assert.Equal(t, 1, completed, "in-flight job finished during drain")
}

func TestWorker_DrainTimeoutBoundsShutdown(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &gatedEngine{gate: gate}, nil
	})

	enqueueJob(t, q, content, "wedged", []byte("image"))

	w := New(&Config{
		Logger:       slog.Default(),
		Queue:        q,
		Status:       status,
		Content:      content,
		Engines:      pool,
		Concurrency:  1,
		MaxRetries:   3,
		ReceiveWait:  10 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(context.Background())
	}()

	waitFor(t, 2*time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.outstanding == 1
	}, "job never started")

	start := time.Now()
	w.Stop()

	select {
	case <-done:
		assert.Less(t, time.Since(start), time.Second, "drain timeout not honored")
	case <-time.After(2 * time.Second):
		t.Fatal("worker never gave up on the wedged transform")
	}
}

func TestWorker_TransformCeilingFailsJob(t *testing.T) {
	q := &memQueue{}
	status := newMemStatusStore()
	content := newMemContentStore()

	gate := make(chan struct{}) // never opened: transform hangs
	defer close(gate)
	pool := newTestPool(t, 1, func() (engine.Engine, error) {
		return &gatedEngine{gate: gate}, nil
	})

	enqueueJob(t, q, content, "timeout-job", []byte("image"))

	w := New(&Config{
		Logger:           slog.Default(),
		Queue:            q,
		Status:           status,
		Content:          content,
		Engines:          pool,
		Concurrency:      1,
		MaxRetries:       0, // first failure poisons immediately
		ReceiveWait:      10 * time.Millisecond,
		TransformTimeout: 30 * time.Millisecond,
		DrainTimeout:     2 * time.Second,
	})
	stop := runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		_, _, _, poisoned := q.snapshot()
		return len(poisoned) == 1
	}, "timed-out transform never failed the job")
	stop()

	rec, err := status.Get(context.Background(), "timeout-job")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "transform failed")
	assert.Equal(t, 1, pool.Available(), "handle returned after timeout")
}
