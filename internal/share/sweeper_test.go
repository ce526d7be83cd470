package share

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSweeper(f *fixture) *Sweeper {
	return NewSweeper(f.svc, f.store, f.blobs, SweeperOptions{
		Interval:     time.Minute,
		OrphanGrace:  15 * time.Minute,
		OverdueGrace: 5 * time.Minute,
		Now:          func() time.Time { return testNow },
	}, zap.NewNop())
}

func TestSweeper_ExpiresOverdueShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.put(Record{Code: "1111", Status: StatusLive, BlobKey: "1111/a.txt", ExpiresAt: testNow.Add(-time.Hour)})
	f.blobs.put("1111/a.txt", testNow.Add(-2*time.Hour))
	// Within the grace period the scheduler still owns it.
	f.store.put(Record{Code: "2222", Status: StatusLive, BlobKey: "2222/b.txt", ExpiresAt: testNow.Add(-time.Minute)})
	f.blobs.put("2222/b.txt", testNow.Add(-2*time.Hour))

	res := newTestSweeper(f).RunOnce(ctx)

	assert.Equal(t, 1, res.Overdue)
	assert.Zero(t, res.Errors)
	exists, _ := f.store.Exists(ctx, "1111")
	assert.False(t, exists)
	assert.Zero(t, f.blobs.count("1111/"))
	exists, _ = f.store.Exists(ctx, "2222")
	assert.True(t, exists)
	assert.Equal(t, 1, f.blobs.count("2222/"))
}

func TestSweeper_ReclaimsStaleReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Reserve(ctx, "3333", "tok-3333", testNow.Add(-time.Hour)))
	f.blobs.put("3333/big.iso", testNow.Add(-time.Hour))
	require.NoError(t, f.store.Reserve(ctx, "4444", "tok-4444", testNow.Add(-time.Minute)))

	res := newTestSweeper(f).RunOnce(ctx)

	assert.Equal(t, 1, res.Pending)
	exists, _ := f.store.Exists(ctx, "3333")
	assert.False(t, exists)
	assert.Zero(t, f.blobs.count("3333/"))
	exists, _ = f.store.Exists(ctx, "4444")
	assert.True(t, exists)
}

func TestSweeper_RemovesOrphanBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.put("5555/old.txt", testNow.Add(-time.Hour))
	f.blobs.put("5555/older.txt", testNow.Add(-2*time.Hour))
	f.blobs.put("6666/fresh.txt", testNow.Add(-time.Minute))
	f.blobs.put("7777/live.txt", testNow.Add(-time.Hour))
	f.store.put(Record{Code: "7777", Status: StatusLive, ExpiresAt: testNow.Add(time.Hour)})
	f.blobs.put("stray.txt", testNow.Add(-time.Hour))

	res := newTestSweeper(f).RunOnce(ctx)

	assert.Equal(t, 1, res.Orphans)
	assert.Zero(t, f.blobs.count("5555/"))
	assert.Equal(t, 1, f.blobs.count("6666/"))
	assert.Equal(t, 1, f.blobs.count("7777/"))
	assert.Equal(t, 1, f.blobs.count("stray.txt"))
}

func TestSweeper_OrphanWithRecentObjectIsKept(t *testing.T) {
	f := newFixture(t)
	f.blobs.put("8888/part-1", testNow.Add(-time.Hour))
	f.blobs.put("8888/part-2", testNow.Add(-time.Minute))

	res := newTestSweeper(f).RunOnce(context.Background())

	assert.Zero(t, res.Orphans)
	assert.Equal(t, 2, f.blobs.count("8888/"))
}

func TestSweeper_CountsErrors(t *testing.T) {
	f := newFixture(t)
	f.blobs.listErr = errors.New("list denied")
	f.store.put(Record{Code: "1212", Status: StatusLive, ExpiresAt: testNow.Add(-time.Hour)})
	f.blobs.deleteErr = errors.New("delete denied")

	res := newTestSweeper(f).RunOnce(context.Background())

	assert.Zero(t, res.Overdue)
	assert.Equal(t, 2, res.Errors)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	f.store.put(Record{Code: "1313", Status: StatusLive, ExpiresAt: testNow.Add(-time.Hour)})

	sw := NewSweeper(f.svc, f.store, f.blobs, SweeperOptions{
		Interval:     10 * time.Millisecond,
		OrphanGrace:  time.Minute,
		OverdueGrace: time.Minute,
		Now:          func() time.Time { return testNow },
	}, zap.NewNop())
	sw.Start(context.Background())

	require.Eventually(t, func() bool { return f.store.len() == 0 }, 2*time.Second, 10*time.Millisecond)
	sw.Stop()
	sw.Stop()
}
