package share

import (
	"context"
	"time"
)

// Store is the metadata store: the single source of truth for which codes exist.
// Implementations must make Reserve an atomic insert-if-absent.
type Store interface {
	// Reserve creates a pending record for code owned by token, or returns ErrCodeTaken.
	Reserve(ctx context.Context, code, token string, at time.Time) error
	// Commit turns the pending record for rec.Code into a live one in a single write.
	// It only matches a reservation holding rec.Reservation and returns ErrNotFound otherwise.
	Commit(ctx context.Context, rec *Record) error
	// Release deletes the pending record for code if token still owns it.
	Release(ctx context.Context, code, token string) error
	// Get returns the live record for code, or ErrNotFound.
	Get(ctx context.Context, code string) (*Record, error)
	// Exists reports whether any record (pending or live) exists for code.
	Exists(ctx context.Context, code string) (bool, error)
	// Delete removes the record for code. Deleting an absent record is not an error.
	Delete(ctx context.Context, code string) error
	// ListOverdue returns codes of live records whose expiry is before t.
	ListOverdue(ctx context.Context, t time.Time, limit int) ([]string, error)
	// ListStalePending returns codes of pending records reserved before t.
	ListStalePending(ctx context.Context, t time.Time, limit int) ([]string, error)
}

// Scheduler is the deferred-deletion job service.
type Scheduler interface {
	// JobName is the deterministic job identifier for code.
	JobName(code string) string
	// Schedule registers a one-shot expiry for code at the given time.
	Schedule(ctx context.Context, code string, at time.Time) error
	// Cancel removes the job for code. A missing job is not an error.
	Cancel(ctx context.Context, code string) error
}

// Metrics receives best-effort upload observations. Implementations must not block.
type Metrics interface {
	RecordUpload(size int64, extension string, expiry time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordUpload(int64, string, time.Duration) {}
