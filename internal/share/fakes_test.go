package share

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tempshare/service/internal/storage"
)

// memStore is an in-memory Store with per-operation error injection.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record

	reserveErr error
	commitErr  error
	getErr     error
	deleteErr  error
	reserves   int

	// onCommit runs after a successful Commit.
	onCommit func()
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (m *memStore) Reserve(_ context.Context, code, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves++
	if m.reserveErr != nil {
		return m.reserveErr
	}
	if _, ok := m.records[code]; ok {
		return ErrCodeTaken
	}
	m.records[code] = &Record{Code: code, Status: StatusPending, CreatedAt: at, Reservation: token}
	return nil
}

func (m *memStore) Commit(_ context.Context, rec *Record) error {
	m.mu.Lock()
	if m.commitErr != nil {
		m.mu.Unlock()
		return m.commitErr
	}
	cur, ok := m.records[rec.Code]
	if !ok || cur.Status != StatusPending || cur.Reservation != rec.Reservation {
		m.mu.Unlock()
		return ErrNotFound
	}
	cp := *rec
	cp.Status = StatusLive
	m.records[rec.Code] = &cp
	hook := m.onCommit
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (m *memStore) Release(_ context.Context, code, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if cur, ok := m.records[code]; ok && cur.Status == StatusPending && cur.Reservation == token {
		delete(m.records, code)
	}
	return nil
}

func (m *memStore) Get(_ context.Context, code string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[code]
	if !ok || rec.Status != StatusLive {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) Exists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[code]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.records, code)
	return nil
}

func (m *memStore) ListOverdue(_ context.Context, t time.Time, limit int) ([]string, error) {
	return m.list(limit, func(r *Record) bool {
		return r.Status == StatusLive && r.ExpiresAt.Before(t)
	}), nil
}

func (m *memStore) ListStalePending(_ context.Context, t time.Time, limit int) ([]string, error) {
	return m.list(limit, func(r *Record) bool {
		return r.Status == StatusPending && r.CreatedAt.Before(t)
	}), nil
}

func (m *memStore) list(limit int, match func(*Record) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var codes []string
	for code, r := range m.records {
		if match(r) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	if len(codes) > limit {
		codes = codes[:limit]
	}
	return codes
}

func (m *memStore) put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Code] = &rec
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memObject struct {
	data     []byte
	modified time.Time
}

// memBlobs is an in-memory storage.Storage.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     func() time.Time

	uploadErr error
	deleteErr error
	listErr   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string]memObject), now: time.Now}
}

func (b *memBlobs) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if b.uploadErr != nil {
		return b.uploadErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memObject{data: buf.Bytes(), modified: b.now()}
	return nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]storage.Object, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.Object
	for key, o := range b.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.Object{Key: key, Size: int64(len(o.data)), LastModified: o.modified})
		}
	}
	return out, nil
}

func (b *memBlobs) DeletePrefix(_ context.Context, prefix string) (int, error) {
	if b.deleteErr != nil {
		return 0, b.deleteErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			delete(b.objects, key)
			n++
		}
	}
	return n, nil
}

func (b *memBlobs) PublicURL(key string) string {
	return "http://blobs.test/bucket/" + key
}

func (b *memBlobs) put(key string, modified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memObject{data: []byte("x"), modified: modified}
}

func (b *memBlobs) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// fakeScheduler records scheduled jobs in memory.
type fakeScheduler struct {
	mu          sync.Mutex
	jobs        map[string]time.Time
	cancels     int
	scheduleErr error
	cancelErr   error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]time.Time)}
}

func (f *fakeScheduler) JobName(code string) string { return "delete-file-job-" + code }

func (f *fakeScheduler) Schedule(ctx context.Context, code string, at time.Time) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[code] = at
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	delete(f.jobs, code)
	return nil
}

func (f *fakeScheduler) job(code string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.jobs[code]
	return at, ok
}

type uploadObservation struct {
	size      int64
	extension string
	expiry    time.Duration
}

type fakeMetrics struct {
	mu   sync.Mutex
	seen []uploadObservation
}

func (f *fakeMetrics) RecordUpload(size int64, extension string, expiry time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, uploadObservation{size, extension, expiry})
}

func (f *fakeMetrics) observations() []uploadObservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadObservation(nil), f.seen...)
}

// blockingMetrics never returns from RecordUpload until release is closed.
type blockingMetrics struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingMetrics() *blockingMetrics {
	return &blockingMetrics{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingMetrics) RecordUpload(int64, string, time.Duration) {
	b.entered <- struct{}{}
	<-b.release
}

type panickingMetrics struct{}

func (panickingMetrics) RecordUpload(int64, string, time.Duration) {
	panic("metrics sink broken")
}

// fixedRand yields bytes that make rand.Int return the same value each call.
type fixedRand struct{ b byte }

func (f fixedRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = f.b
	}
	return len(p), nil
}
