package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL Store.
type Repository struct {
	db DBTX
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Reserve inserts a pending row for code owned by token unless one already exists.
func (r *Repository) Reserve(ctx context.Context, code, token string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO shares (code, status, reservation, created_at)
		 VALUES ($1, 'pending', $2, $3)
		 ON CONFLICT (code) DO NOTHING`,
		code, token, at,
	)
	if err != nil {
		return fmt.Errorf("reserve code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeTaken
	}
	return nil
}

// Commit promotes the reservation held by rec.Reservation to a live share.
func (r *Repository) Commit(ctx context.Context, rec *Record) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE shares
		 SET status = 'live', file_name = $2, blob_key = $3, file_url = $4,
		     size_bytes = $5, job_id = $6, created_at = $7, expires_at = $8
		 WHERE code = $1 AND status = 'pending' AND reservation = $9`,
		rec.Code, rec.FileName, rec.BlobKey, rec.FileURL, rec.Size, rec.JobID, rec.CreatedAt, rec.ExpiresAt,
		rec.Reservation,
	)
	if err != nil {
		return fmt.Errorf("commit share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches the live share for code.
func (r *Repository) Get(ctx context.Context, code string) (*Record, error) {
	rec := &Record{}
	err := r.db.QueryRow(ctx,
		`SELECT code, status, file_name, blob_key, file_url, size_bytes, job_id, created_at, expires_at
		 FROM shares WHERE code = $1 AND status = 'live'`,
		code,
	).Scan(&rec.Code, &rec.Status, &rec.FileName, &rec.BlobKey, &rec.FileURL, &rec.Size, &rec.JobID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return rec, nil
}

// Exists reports whether code has any row.
func (r *Repository) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM shares WHERE code = $1)`,
		code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check share existence: %w", err)
	}
	return exists, nil
}

// Delete removes the row for code if present.
func (r *Repository) Delete(ctx context.Context, code string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM shares WHERE code = $1`, code); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

// Release removes the pending row for code if token still owns it.
func (r *Repository) Release(ctx context.Context, code, token string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM shares WHERE code = $1 AND status = 'pending' AND reservation = $2`,
		code, token,
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ListOverdue returns live codes that expired before t, oldest first.
func (r *Repository) ListOverdue(ctx context.Context, t time.Time, limit int) ([]string, error) {
	return r.listCodes(ctx,
		`SELECT code FROM shares
		 WHERE status = 'live' AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		t, limit,
	)
}

// ListStalePending returns pending codes reserved before t, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, t time.Time, limit int) ([]string, error) {
	return r.listCodes(ctx,
		`SELECT code FROM shares
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		t, limit,
	)
}

func (r *Repository) listCodes(ctx context.Context, query string, t time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, query, t, limit)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan shares: %w", err)
	}
	return codes, nil
}
