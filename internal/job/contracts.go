package job

import (
	"context"
	"time"
)

// ContentStore is the binary blob collaborator. Re-putting the same
// name must be safe (idempotent overwrite).
type ContentStore interface {
	Put(ctx context.Context, name string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// StatusStore is the key/value lifecycle store for job records.
type StatusStore interface {
	// Get returns the record for jobID, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*Record, error)

	// Create persists a fresh record. Best-effort on the ingest path:
	// a lost create self-heals through MergeUpdate.
	Create(ctx context.Context, rec *Record) error

	// MergeUpdate applies a partial status update, creating the record
	// if it does not exist yet. Empty resultRef/errorDetail leave the
	// stored fields untouched.
	MergeUpdate(ctx context.Context, jobID, status, resultRef, errorDetail string) error
}

// Lease is one broker-delivered message under an exclusive claim. The
// holder must settle it exactly once via Complete, Abandon, or
// DeadLetter; an unsettled lease expires and redelivers on its own.
type Lease interface {
	Body() []byte
	MessageID() string

	// DeliveryCount is the broker-maintained redelivery counter:
	// 0 on first delivery, incremented by the broker each time the
	// message comes back.
	DeliveryCount() int

	// Complete acknowledges the message so it is never redelivered.
	Complete() error

	// Abandon returns the message to the queue for redelivery.
	Abandon() error

	// DeadLetter publishes a poison record carrying the original body,
	// the original message id, and the failure reason to the
	// dead-letter destination, then completes the original lease.
	DeadLetter(reason string) error
}

// Queue is the lease-based broker contract.
type Queue interface {
	// Send enqueues a message body under messageID. The broker may
	// deduplicate by messageID.
	Send(ctx context.Context, body []byte, messageID string) error

	// Receive leases up to maxCount messages, waiting at most maxWait
	// for the first one. An empty slice is a normal idle result.
	Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]Lease, error)
}
