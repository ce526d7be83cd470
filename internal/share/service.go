package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tempshare/service/internal/storage"
)

// DefaultMaxDuration is the longest expiry accepted by Upload.
const DefaultMaxDuration = 24 * time.Hour

// UploadInput describes one file to share.
type UploadInput struct {
	FileName    string
	Size        int64
	ContentType string
	Body        io.Reader
	Duration    time.Duration
}

// Options tunes a Service. Zero values select defaults.
type Options struct {
	MaxDuration         time.Duration
	MaxAllocateAttempts int
	Now                 func() time.Time
}

// Service orchestrates code allocation, blob storage, metadata and expiry scheduling.
// It keeps no mutable state between calls.
type Service struct {
	store     Store
	blobs     storage.Storage
	scheduler Scheduler
	metrics   Metrics
	allocator *Allocator
	maxDur    time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewService creates a new share Service. metrics may be nil.
func NewService(store Store, blobs storage.Storage, scheduler Scheduler, metrics Metrics, opts Options, log *zap.Logger) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		metrics:   metrics,
		allocator: NewAllocator(store, opts.MaxAllocateAttempts),
		maxDur:    opts.MaxDuration,
		now:       opts.Now,
		log:       log.Named("share"),
	}
}

// Upload stores the file under a freshly allocated code and returns the live record.
// If Upload succeeds the download is resolvable immediately. Scheduling and metrics
// failures are logged and do not fail the upload. Once the record is committed the
// remaining steps ignore cancellation of ctx.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*Record, error) {
	name := sanitizeFileName(in.FileName)
	switch {
	case name == "":
		return nil, invalid("file name is required")
	case in.Body == nil || in.Size <= 0:
		return nil, invalid("file is empty")
	case in.Duration <= 0:
		return nil, invalid("duration must be positive")
	case in.Duration > s.maxDur:
		return nil, invalid("duration must not exceed %s", s.maxDur)
	}

	now := s.now().UTC()
	res, err := s.allocator.Allocate(ctx, now)
	if err != nil {
		return nil, err
	}
	code := res.Code

	rec := &Record{
		Code:      code,
		Status:    StatusLive,
		FileName:  name,
		BlobKey:   BlobKey(code, name),
		Size:      in.Size,
		JobID:     s.scheduler.JobName(code),
		CreatedAt: now,
		ExpiresAt: now.Add(in.Duration),

		Reservation: res.Token,
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Upload(ctx, rec.BlobKey, in.Body, in.Size, contentType); err != nil {
		if relErr := s.store.Release(context.WithoutCancel(ctx), code, res.Token); relErr != nil {
			s.log.Warn("release reservation failed", zap.String("code", code), zap.Error(relErr))
		}
		return nil, backend("upload blob", err)
	}
	rec.FileURL = s.blobs.PublicURL(rec.BlobKey)

	// The reservation stays pending on failure; the sweeper reclaims it and its blob.
	if err := s.store.Commit(ctx, rec); err != nil {
		return nil, backend("commit share", err)
	}

	committed := context.WithoutCancel(ctx)
	if err := s.scheduler.Schedule(committed, code, rec.ExpiresAt); err != nil {
		s.log.Warn("schedule expiry failed; sweeper will expire the share",
			zap.String("code", code),
			zap.Time("expires_at", rec.ExpiresAt),
			zap.Error(err),
		)
	}

	go s.recordUpload(code, in.Size, fileExtension(name), in.Duration)

	s.log.Info("share created",
		zap.String("code", code),
		zap.String("file_name", name),
		zap.Int64("size", in.Size),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

// recordUpload reports an upload to the metrics sink. The sink runs off the
// request path and a panic in it is logged, never propagated.
func (s *Service) recordUpload(code string, size int64, ext string, d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("record upload metrics panicked", zap.String("code", code), zap.Any("panic", r))
		}
	}()
	s.metrics.RecordUpload(size, ext, d)
}

// Resolve returns the descriptor of the live share for code.
func (s *Service) Resolve(ctx context.Context, code string) (*Descriptor, error) {
	if code == "" {
		return nil, invalid("code is required")
	}
	rec, err := s.store.Get(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, backend("get share", err)
	}
	return rec.descriptor(), nil
}

// Expire deletes the share's blobs, its record and its scheduler job. All three
// steps are attempted even if one fails; failures are returned together.
// Expire is idempotent.
func (s *Service) Expire(ctx context.Context, code string) error {
	if code == "" {
		return invalid("code is required")
	}

	var errs error

	n, err := s.blobs.DeletePrefix(ctx, BlobPrefix(code))
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete blobs: %w", err))
	}
	if err := s.store.Delete(ctx, code); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete record: %w", err))
	}
	if err := s.scheduler.Cancel(ctx, code); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cancel job: %w", err))
	}

	if errs != nil {
		s.log.Error("expire share incomplete",
			zap.String("code", code),
			zap.Int("blobs_deleted", n),
			zap.Errors("errors", multierr.Errors(errs)),
		)
		return backend("expire share", errs)
	}

	s.log.Info("share expired", zap.String("code", code), zap.Int("blobs_deleted", n))
	return nil
}

// IsNotFound returns true when the error indicates a share was not found.
func (s *Service) IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
