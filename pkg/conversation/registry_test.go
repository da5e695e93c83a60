package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeCloser) CloseIfBound(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conversationID)
}

func (f *fakeCloser) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}

type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]int
	deleted map[string]int
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: map[string]int{}, deleted: map[string]int{}}
}

func (f *fakePersister) Save(ctx context.Context, c *Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[c.ID]++
}

func (f *fakePersister) Delete(ctx context.Context, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[conversationID]++
}

func TestCreateAndLookup(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()

	c, err := r.Create(ctx, "tok-1", "be terse", time.Hour)
	require.NoError(t, err)

	got, status := r.Lookup(ctx, c.ID, "tok-1")
	require.Equal(t, Found, status)
	assert.Equal(t, c.ID, got.ID)
}

func TestLookupUnauthorizedDoesNotTouch(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()

	c, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)
	before := c.LastAccessAt()

	time.Sleep(2 * time.Millisecond)
	_, status := r.Lookup(ctx, c.ID, "attacker")
	assert.Equal(t, Unauthorized, status)
	assert.Equal(t, before, c.LastAccessAt())
}

func TestLookupNotFound(t *testing.T) {
	r := New(time.Minute)
	_, status := r.Lookup(context.Background(), "missing-id", "tok")
	assert.Equal(t, NotFound, status)
}

func TestLookupExpiredEvicts(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()
	closer := &fakeCloser{}
	r.SetEngine(closer)

	c, err := r.Create(ctx, "owner", "", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, status := r.Lookup(ctx, c.ID, "owner")
	assert.Equal(t, Expired, status)

	_, status = r.Lookup(ctx, c.ID, "owner")
	assert.Equal(t, NotFound, status)
	assert.Contains(t, closer.closedIDs(), c.ID)
}

func TestInfoDoesNotTouch(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()

	c, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)
	before := c.LastAccessAt()

	time.Sleep(2 * time.Millisecond)
	got, status := r.Info(c.ID, "owner")
	require.Equal(t, Found, status)
	assert.Equal(t, before, got.LastAccessAt())
}

func TestCloseRequiresOwnership(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()

	c, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)

	assert.False(t, r.Close(ctx, c.ID, "not-owner"))
	assert.True(t, r.Close(ctx, c.ID, "owner"))

	_, status := r.Lookup(ctx, c.ID, "owner")
	assert.Equal(t, NotFound, status)
}

func TestCloseAllForCascadesToEngineAndPersistence(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()
	closer := &fakeCloser{}
	persister := newFakePersister()
	r.SetEngine(closer)
	r.SetPersister(persister)

	c1, err := r.Create(ctx, "shared", "", time.Hour)
	require.NoError(t, err)
	c2, err := r.Create(ctx, "shared", "", time.Hour)
	require.NoError(t, err)
	_, err = r.Create(ctx, "other", "", time.Hour)
	require.NoError(t, err)

	count, err := r.CloseAllFor(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	closed := closer.closedIDs()
	assert.Contains(t, closed, c1.ID)
	assert.Contains(t, closed, c2.ID)

	_, status := r.Lookup(ctx, c1.ID, "shared")
	assert.Equal(t, NotFound, status)
	_, status = r.Lookup(ctx, c2.ID, "shared")
	assert.Equal(t, NotFound, status)
}

func TestSweepOnceEvictsExpired(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()

	live, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)
	expired, err := r.Create(ctx, "owner", "", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.sweepOnce(ctx)

	_, status := r.Lookup(ctx, live.ID, "owner")
	assert.Equal(t, Found, status)

	_, status = r.Lookup(ctx, expired.ID, "owner")
	assert.Equal(t, NotFound, status)
}

func TestEvictByIDRemovesWithoutPersistenceCascade(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()
	closer := &fakeCloser{}
	persister := newFakePersister()
	r.SetEngine(closer)
	r.SetPersister(persister)

	c, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)

	r.EvictByID(c.ID)

	_, status := r.Lookup(ctx, c.ID, "owner")
	assert.Equal(t, NotFound, status)
	assert.Contains(t, closer.closedIDs(), c.ID)
	assert.Zero(t, persister.deleted[c.ID])
}

func TestPersistTouchesAndSaves(t *testing.T) {
	r := New(time.Minute)
	ctx := context.Background()
	persister := newFakePersister()
	r.SetPersister(persister)

	c, err := r.Create(ctx, "owner", "", time.Hour)
	require.NoError(t, err)
	before := c.LastAccessAt()

	time.Sleep(2 * time.Millisecond)
	r.Persist(ctx, c)

	assert.True(t, c.LastAccessAt().After(before))
	assert.GreaterOrEqual(t, persister.saved[c.ID], 1)
}
