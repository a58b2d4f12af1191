package cache

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"convsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := New(filepath.Join(t.TempDir(), "cache.db"), opts, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMessages(convID string, n int) []models.Message {
	out := make([]models.Message, n)
	for i := 0; i < n; i++ {
		out[i] = models.Message{
			ID:             fmt.Sprintf("%s-m%d", convID, i),
			ConversationID: convID,
			Kind:           models.KindText,
			Body:           fmt.Sprintf("message number %d", i),
			Timestamp:      1700000000000 + int64(i)*1000,
			Status:         models.DeliveryStatusSent,
			Seq:            uint64(i + 1),
		}
	}
	return out
}

// incompressibleMessages defeats gzip so size-based tests see real bytes.
func incompressibleMessages(convID string, n, bodyLen int) []models.Message {
	rng := rand.New(rand.NewSource(42))
	out := make([]models.Message, n)
	for i := 0; i < n; i++ {
		body := make([]byte, bodyLen)
		for j := range body {
			body[j] = byte('a' + rng.Intn(26))
		}
		// Shuffle to keep entropy high.
		rng.Shuffle(len(body), func(a, b int) { body[a], body[b] = body[b], body[a] })
		out[i] = models.Message{
			ID:             fmt.Sprintf("%s-m%d-%d", convID, i, rng.Int63()),
			ConversationID: convID,
			Kind:           models.KindText,
			Body:           string(body),
			Timestamp:      1700000000000 + int64(i)*1000,
		}
	}
	return out
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	want := testMessages("c1", 10)
	require.NoError(t, store.Put(ctx, "c1", want))

	got, ok := store.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, got, 10)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[9].Body, got[9].Body)
	assert.Equal(t, want[9].Timestamp, got[9].Timestamp)
}

func TestStore_MissOnUnknownConversation(t *testing.T) {
	store := newTestStore(t, Options{})

	got, ok := store.Get(context.Background(), "nope")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStore_ExpiredEntryIsMissAndPurged(t *testing.T) {
	store := newTestStore(t, Options{TTL: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 3)))
	time.Sleep(40 * time.Millisecond)

	_, ok := store.Get(ctx, "c1")
	assert.False(t, ok)

	n, err := store.EntryCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_CorruptEntryIsMissAndPurged(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 3)))
	require.NoError(t, store.write(ctx, "c1", []byte("definitely not gzip")))

	_, ok := store.Get(ctx, "c1")
	assert.False(t, ok)

	n, err := store.EntryCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_PutReplacesPreviousEntry(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 3)))
	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 7)))

	got, ok := store.Get(ctx, "c1")
	require.True(t, ok)
	assert.Len(t, got, 7)

	n, err := store.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_EntryCapKeepsNewestMessages(t *testing.T) {
	store := newTestStore(t, Options{EntryCap: 100})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 150)))

	got, ok := store.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, got, 100)
	// The oldest 50 fell off the front; order is preserved.
	assert.Equal(t, "c1-m50", got[0].ID)
	assert.Equal(t, "c1-m149", got[99].ID)
}

func TestStore_EvictsOldestFirstWhenOverBudget(t *testing.T) {
	// Each entry is well over 60KB even compressed; a 100KB budget cannot
	// hold all three.
	store := newTestStore(t, Options{ByteBudget: 100 * 1024})
	ctx := context.Background()

	for _, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Put(ctx, id, incompressibleMessages(id, 40, 3072)))
		time.Sleep(5 * time.Millisecond) // distinct written_at
	}

	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(100*1024))

	// The oldest entry went first.
	_, ok := store.Get(ctx, "old")
	assert.False(t, ok)
	_, ok = store.Get(ctx, "new")
	assert.True(t, ok)
}

func TestStore_EvictionStopsMidScan(t *testing.T) {
	// A large budget over five entries needs only the oldest one or two
	// victims, so the eviction scan stops before the cursor is drained.
	// The deletes must still go through against the same database.
	store := newTestStore(t, Options{ByteBudget: 256 * 1024})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, store.Put(ctx, id, incompressibleMessages(id, 40, 3072)))
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- store.EvictIfOverBudget(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction did not complete")
	}

	total, err := store.TotalSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(256*1024))

	// Oldest went first; the newest entries survive.
	_, ok := store.Get(ctx, "c0")
	assert.False(t, ok)
	_, ok = store.Get(ctx, "c4")
	assert.True(t, ok)
}

func TestStore_PurgeExpiredCountsRemovals(t *testing.T) {
	store := newTestStore(t, Options{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 2)))
	require.NoError(t, store.Put(ctx, "c2", testMessages("c2", 2)))
	time.Sleep(30 * time.Millisecond)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
}

func TestStore_EncryptedRoundTrip(t *testing.T) {
	t.Setenv("CONVSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("CONVSYNC_ENCRYPTION_SECRET", "test-secret-for-cache-encryption-32ch")

	store := newTestStore(t, Options{})
	ctx := context.Background()

	want := testMessages("c1", 5)
	require.NoError(t, store.Put(ctx, "c1", want))

	got, ok := store.Get(ctx, "c1")
	require.True(t, ok)
	require.Len(t, got, 5)
	assert.Equal(t, want[4].Body, got[4].Body)
}

func TestStore_EncryptionRequiresLongSecret(t *testing.T) {
	t.Setenv("CONVSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("CONVSYNC_ENCRYPTION_SECRET", "short")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	_, err := New(filepath.Join(t.TempDir(), "cache.db"), Options{}, logger)
	assert.Error(t, err)
}

func TestStore_InvalidPathRejected(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	_, err := New("", Options{}, logger)
	assert.Error(t, err)
}

func TestCapTail(t *testing.T) {
	msgs := testMessages("c1", 10)
	assert.Len(t, capTail(msgs, 25), 10)

	tail := capTail(msgs, 4)
	require.Len(t, tail, 4)
	assert.Equal(t, "c1-m6", tail[0].ID)
	assert.Equal(t, "c1-m9", tail[3].ID)
}

func TestSweeper_RemovesExpiredEntries(t *testing.T) {
	store := newTestStore(t, Options{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "c1", testMessages("c1", 3)))
	time.Sleep(30 * time.Millisecond)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sweeper := NewSweeper(store, time.Minute, logger)
	sweeper.Sweep(ctx)

	n, err := store.EntryCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_StopEndsLoop(t *testing.T) {
	store := newTestStore(t, Options{})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sweeper := NewSweeper(store, 10*time.Millisecond, logger)
	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	sweeper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
