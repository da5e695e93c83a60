package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// LookupStatus is the outcome of Lookup, matching spec.md §4.2 exactly.
type LookupStatus int

// Lookup outcomes.
const (
	Found LookupStatus = iota
	NotFound
	Unauthorized
	Expired
)

// Closer is implemented by components that must tear down state bound to
// a conversation_id when the registry removes it. EngineGateway (C3)
// implements this to satisfy spec.md §4.3.4's close_if_bound contract.
type Closer interface {
	CloseIfBound(conversationID string)
}

// Persister is implemented by the PersistenceAdapter (C6).
type Persister interface {
	Save(ctx context.Context, c *Conversation)
	Delete(ctx context.Context, conversationID string)
}

// Registry is the ConversationRegistry (C2): the set of live
// conversations, keyed by conversation_id, enforcing ownership, TTL and
// eviction. Per-entry last_access_at is updated via atomic stores on the
// Conversation itself; generation already serializes per-conversation
// writes via the engine lock, so the registry's map needs no additional
// per-entry lock.
type Registry struct {
	convs sync.Map // conversation_id -> *Conversation

	engine  Closer
	persist Persister

	cleanupInterval time.Duration
	stopSweeper     context.CancelFunc
	sweeperDone     chan struct{}
}

// New creates a Registry. engine and persist may be nil during early
// construction and wired in afterwards with SetEngine/SetPersister to
// break the C2<->C3 and C2<->C6 initialization cycle.
func New(cleanupInterval time.Duration) *Registry {
	return &Registry{cleanupInterval: cleanupInterval}
}

// SetEngine wires the EngineGateway invalidation callback (spec.md §4.3.4).
func (r *Registry) SetEngine(e Closer) { r.engine = e }

// SetPersister wires the PersistenceAdapter.
func (r *Registry) SetPersister(p Persister) { r.persist = p }

// Create mints a fresh conversation, inserts it, persists it via C6 and
// returns it. ttl <= 0 is replaced by DefaultTTL per spec.md §4.2.
func (r *Registry) Create(ctx context.Context, ownerToken, systemInstruction string, ttl time.Duration) (*Conversation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		ID:                id,
		OwnerToken:        ownerToken,
		SystemInstruction: systemInstruction,
		TTL:               ttl,
		CreatedAt:         time.Now(),
		Sampling:          DefaultSampling(),
	}
	c.Touch()

	r.convs.Store(id, c)
	if r.persist != nil {
		r.persist.Save(ctx, c)
	}

	return c, nil
}

// Lookup implements spec.md §4.2's lookup contract exactly: unauthorized
// presentations never touch last_access_at, and an expired entry is
// evicted as a side effect of being observed.
func (r *Registry) Lookup(ctx context.Context, conversationID, presentingToken string) (*Conversation, LookupStatus) {
	v, ok := r.convs.Load(conversationID)
	if !ok {
		return nil, NotFound
	}
	c := v.(*Conversation)

	if c.OwnerToken != presentingToken {
		return nil, Unauthorized
	}

	if c.IsExpired() {
		r.evict(ctx, c)
		return nil, Expired
	}

	c.Touch()
	if r.persist != nil {
		r.persist.Save(ctx, c)
	}
	return c, Found
}

// Persist re-touches and durably saves c. Used by the EngineGateway after
// a successful generation, where the caller already holds an
// authenticated reference to c and only needs C2 to record the fresh
// last_access_at and cascade to C6.
func (r *Registry) Persist(ctx context.Context, c *Conversation) {
	c.Touch()
	if r.persist != nil {
		r.persist.Save(ctx, c)
	}
}

// Peek returns a conversation by id without an ownership check or TTL
// side effects. Used internally by components (e.g. the engine gateway's
// reuse-policy comparisons) that already authenticated via Lookup.
func (r *Registry) Peek(conversationID string) (*Conversation, bool) {
	v, ok := r.convs.Load(conversationID)
	if !ok {
		return nil, false
	}
	return v.(*Conversation), true
}

// Info authenticates like Lookup but never advances last_access_at: only
// lookup (the read path that is about to be used for generation) touches
// the TTL window, per spec.md §4.2.
func (r *Registry) Info(conversationID, presentingToken string) (*Conversation, LookupStatus) {
	v, ok := r.convs.Load(conversationID)
	if !ok {
		return nil, NotFound
	}
	c := v.(*Conversation)

	if c.OwnerToken != presentingToken {
		return nil, Unauthorized
	}
	if c.IsExpired() {
		return nil, Expired
	}
	return c, Found
}

// Close authenticates like Lookup, then removes the conversation and
// cascades closure into C3 and C6.
func (r *Registry) Close(ctx context.Context, conversationID, presentingToken string) bool {
	v, ok := r.convs.Load(conversationID)
	if !ok {
		return false
	}
	c := v.(*Conversation)
	if c.OwnerToken != presentingToken {
		return false
	}

	r.evict(ctx, c)
	return true
}

// CloseAllFor bulk-closes every conversation owned by ownerToken,
// aggregating any per-conversation failures rather than stopping at the
// first one, so revocation always cascades fully.
func (r *Registry) CloseAllFor(ctx context.Context, ownerToken string) (int, error) {
	var (
		count int
		errs  *multierror.Error
	)

	r.convs.Range(func(key, value any) bool {
		c := value.(*Conversation)
		if c.OwnerToken != ownerToken {
			return true
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					errs = multierror.Append(errs, errRecovered(rec))
				}
			}()
			r.evict(ctx, c)
			count++
		}()
		return true
	})

	return count, errs.ErrorOrNil()
}

func (r *Registry) evict(ctx context.Context, c *Conversation) {
	r.convs.Delete(c.ID)
	if r.engine != nil {
		r.engine.CloseIfBound(c.ID)
	}
	if r.persist != nil {
		r.persist.Delete(ctx, c.ID)
	}
}

// Insert adds a conversation that was reloaded from disk (C6 startup
// path) directly into the live map, bypassing Create's id minting.
func (r *Registry) Insert(c *Conversation) {
	r.convs.Store(c.ID, c)
}

// EvictByID implements conversation.Evictor: it drops conversationID from
// the live map and cascades into C3 without touching C6, since this is
// called precisely because the backing file is already gone.
func (r *Registry) EvictByID(conversationID string) {
	v, ok := r.convs.LoadAndDelete(conversationID)
	if !ok {
		return
	}
	if r.engine != nil {
		r.engine.CloseIfBound(v.(*Conversation).ID)
	}
}

// StartSweeper launches the cooperative eviction loop described in
// spec.md §4.2. Call Stop to terminate it.
func (r *Registry) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.stopSweeper = cancel
	r.sweeperDone = make(chan struct{})

	go func() {
		defer close(r.sweeperDone)
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.sweepOnce(sweepCtx)
			}
		}
	}()
}

// Stop terminates the sweeper goroutine and waits for it to exit.
func (r *Registry) Stop() {
	if r.stopSweeper == nil {
		return
	}
	r.stopSweeper()
	<-r.sweeperDone
}

func (r *Registry) sweepOnce(ctx context.Context) {
	var expired []*Conversation
	r.convs.Range(func(_, value any) bool {
		c := value.(*Conversation)
		if c.IsExpired() {
			expired = append(expired, c)
		}
		return true
	})

	for _, c := range expired {
		r.evict(ctx, c)
	}

	if len(expired) > 0 {
		logger.G(ctx).WithField("count", len(expired)).Debug("sweeper evicted expired conversations")
	}
}

type recoveredPanicError struct{ v any }

func (e recoveredPanicError) Error() string { return "panic during conversation close" }

func errRecovered(v any) error { return recoveredPanicError{v: v} }
