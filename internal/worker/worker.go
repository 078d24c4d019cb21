package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minhvo-dev/docpipe/internal/engine"
	"github.com/minhvo-dev/docpipe/internal/job"
)

// receiveBackoff is how long the lease loop pauses after a broker
// receive error before trying again.
const receiveBackoff = 5 * time.Second

// Config holds worker configuration
type Config struct {
	Logger  *slog.Logger
	Queue   job.Queue
	Status  job.StatusStore
	Content job.ContentStore
	Engines *engine.Pool

	// Concurrency is the fixed number of worker slots. The loop never
	// holds more unsettled leases than this.
	Concurrency int

	// MaxRetries bounds redeliveries before a message is poisoned, so
	// a message is attempted at most MaxRetries+1 times.
	MaxRetries int

	// ReceiveWait bounds how long one receive call waits for work
	ReceiveWait time.Duration

	// TransformTimeout is an optional hard wall-clock ceiling on one
	// transform; zero disables it. Expiry is an ordinary job failure.
	TransformTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight work
	DrainTimeout time.Duration
}

// Worker is the bounded-concurrency queue consumer. One scheduling
// loop leases messages and dispatches each to a free slot; slots are
// the backpressure mechanism, never buffering more unprocessed work
// than can run concurrently.
type Worker struct {
	logger  *slog.Logger
	queue   job.Queue
	status  job.StatusStore
	content job.ContentStore
	engines *engine.Pool

	workerID         string
	concurrency      int
	maxRetries       int
	receiveWait      time.Duration
	transformTimeout time.Duration
	drainTimeout     time.Duration

	slots    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker instance
func New(cfg *Config) *Worker {
	workerID := uuid.New().String()

	return &Worker{
		logger:           cfg.Logger.With(slog.String("worker_id", workerID)),
		queue:            cfg.Queue,
		status:           cfg.Status,
		content:          cfg.Content,
		engines:          cfg.Engines,
		workerID:         workerID,
		concurrency:      cfg.Concurrency,
		maxRetries:       cfg.MaxRetries,
		receiveWait:      cfg.ReceiveWait,
		transformTimeout: cfg.TransformTimeout,
		drainTimeout:     cfg.DrainTimeout,
		slots:            make(chan struct{}, cfg.Concurrency),
		stopChan:         make(chan struct{}),
	}
}

// Run drives the lease-and-dispatch loop until the context is canceled
// or Stop is called, then drains in-flight workers.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.maxRetries),
		slog.Int("engine_pool_size", w.engines.Size()),
	)

	for {
		// Reserve at least one free slot before leasing; this blocks
		// while all slots are busy.
		select {
		case <-w.stopChan:
			return w.drain()
		case <-ctx.Done():
			return w.drain()
		case w.slots <- struct{}{}:
		}

		reserved := 1
	reserve:
		for reserved < w.concurrency {
			select {
			case w.slots <- struct{}{}:
				reserved++
			default:
				break reserve
			}
		}

		leases, err := w.queue.Receive(ctx, reserved, w.receiveWait)
		if err != nil {
			w.releaseSlots(reserved)
			if ctx.Err() != nil {
				return w.drain()
			}
			w.logger.Error("Failed to receive messages",
				slog.Any("error", err),
				slog.Duration("backoff", receiveBackoff),
			)
			select {
			case <-time.After(receiveBackoff):
			case <-w.stopChan:
				return w.drain()
			}
			continue
		}

		for _, lease := range leases {
			w.wg.Add(1)
			go w.handle(ctx, lease)
		}
		w.releaseSlots(reserved - len(leases))
	}
}

// Stop signals the loop to halt leasing. In-flight workers finish
// their current message, bounded by the drain timeout.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

func (w *Worker) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-w.slots
	}
}

func (w *Worker) drain() error {
	w.logger.Info("Leasing stopped, draining in-flight workers",
		slog.Duration("drain_timeout", w.drainTimeout),
	)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker drained")
	case <-time.After(w.drainTimeout):
		w.logger.Warn("Drain timeout exceeded, exiting with work in flight")
	}

	return nil
}
