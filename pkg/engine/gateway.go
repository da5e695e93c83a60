package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// ErrNotLoaded is returned by Generate when no model has been loaded yet.
var ErrNotLoaded = errors.New("engine not loaded")

// binding mirrors spec.md §4.3's active_binding: the one engine-
// conversation currently materialized against the native runtime.
type binding struct {
	conversationID string
	engineConv     EngineConversation
	sampling       conversation.Sampling
}

// Gateway is the EngineGateway (C3): the sole point of serialization
// around the native engine. engine_lock is a plain sync.Mutex held for
// the full duration of generation, per spec.md §5.
type Gateway struct {
	factory     Factory
	loadTimeout time.Duration

	mu               sync.Mutex // engine_lock
	engine           Engine
	active           *binding
	currentModelPath string
	currentBackend   Backend
}

// New constructs a Gateway. Call Load before the first Generate.
func New(factory Factory, loadTimeout time.Duration) *Gateway {
	return &Gateway{factory: factory, loadTimeout: loadTimeout}
}

// Load implements spec.md §4.3.1. A call for the already-loaded model
// path is a no-op; otherwise the current engine (if any) is closed and a
// fresh one constructed, falling back from gpu to cpu exactly once.
func (g *Gateway) Load(ctx context.Context, modelPath string, backend Backend) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if modelPath == g.currentModelPath && g.engine != nil {
		return nil
	}
	g.closeLocked()
	return g.loadLocked(ctx, modelPath, backend, false)
}

func (g *Gateway) loadLocked(ctx context.Context, modelPath string, backend Backend, isFallback bool) error {
	loadCtx, cancel := context.WithTimeout(ctx, g.loadTimeout)
	defer cancel()

	cfg := Config{
		ModelPath:     modelPath,
		Backend:       backend,
		VisionBackend: BackendGPU,
		AudioBackend:  BackendCPU,
	}

	eng, err := g.factory(cfg)
	if err == nil {
		err = eng.Initialize(loadCtx)
	}
	if err != nil {
		if backend == BackendGPU && !isFallback {
			logger.G(ctx).WithError(err).Warn("gpu engine init failed, falling back to cpu")
			return g.loadLocked(ctx, modelPath, BackendCPU, true)
		}
		return errors.Wrap(err, "failed to initialize engine")
	}

	g.engine = eng
	g.currentModelPath = modelPath
	g.currentBackend = backend
	return nil
}

// Close tears down any active binding and the engine itself.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
}

func (g *Gateway) closeLocked() {
	if g.active != nil {
		g.active.engineConv.Close()
		g.active = nil
	}
	if g.engine != nil {
		g.engine.Close()
		g.engine = nil
	}
	g.currentModelPath = ""
	g.currentBackend = ""
}

// CloseIfBound implements conversation.Closer (spec.md §4.3.4): C2 calls
// this whenever a conversation is removed so a stale binding is never
// left materialized against the native runtime.
func (g *Gateway) CloseIfBound(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil && g.active.conversationID == conversationID {
		g.active.engineConv.Close()
		g.active = nil
	}
}

// Loaded reports whether a model is currently loaded.
func (g *Gateway) Loaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine != nil
}

// Generate implements the spec.md §4.3.2/§4.3.3 reuse-or-rebuild policy
// and generation protocol. It appends msgs to c.History before invoking
// the engine, applies reuse when legal, and streams through sink.
// samplingOverride, if non-nil, is applied to c.Sampling under
// engine_lock before the reuse check, so that two concurrent callers on
// the same conversation can never interleave a sampling update with the
// comparison it's meant to affect (spec.md §4.3.2). persist, if non-nil,
// is called after a successful completion so the caller (the registry)
// can durably save the updated history.
func (g *Gateway) Generate(ctx context.Context, c *conversation.Conversation, msgs []conversation.Message, samplingOverride *conversation.Sampling, persist func(*conversation.Conversation), sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.engine == nil {
		sink.OnError(ErrNotLoaded)
		return
	}

	if len(msgs) == 0 {
		sink.OnError(errors.New("No messages provided"))
		return
	}

	if samplingOverride != nil {
		c.Sampling = *samplingOverride
	}

	c.AppendMessages(msgs)
	trigger := c.History[len(c.History)-1]

	reuse := g.active != nil &&
		g.active.conversationID == c.ID &&
		len(msgs) == 1 &&
		g.active.sampling == c.Sampling

	var target EngineConversation
	if reuse {
		target = g.active.engineConv
	} else {
		if g.active != nil {
			g.active.engineConv.Close()
			g.active = nil
		}

		initial := make([]conversation.Message, len(c.History)-1)
		copy(initial, c.History[:len(c.History)-1])

		conv, err := g.engine.CreateConversation(ConversationConfig{
			SystemInstruction: c.SystemInstruction,
			InitialMessages:   initial,
			Sampler: Sampler{
				TopK:        c.Sampling.TopK,
				TopP:        c.Sampling.TopP,
				Temperature: c.Sampling.Temperature,
			},
		})
		if err != nil {
			sink.OnError(errors.Wrap(err, "failed to create engine conversation"))
			return
		}

		g.active = &binding{conversationID: c.ID, engineConv: conv, sampling: c.Sampling}
		target = conv
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb := &generationCallback{
		sink: sink,
		done: make(chan struct{}),
	}

	target.SendAsync(genCtx, trigger, cb)

	select {
	case <-cb.done:
		if cb.succeeded {
			full := cb.builder.String()
			if full != "" {
				c.AppendAssistantReply(full)
				if persist != nil {
					persist(c)
				}
			}
		}
	case <-ctx.Done():
		// Hard-stop: the caller went away. Tear down the binding
		// (spec.md §4.3.3 step 4); history already has the user's
		// message, which is the accepted rough edge per spec.md §9.
		target.Close()
		g.active = nil
	}
}

// generationCallback adapts the engine's SendCallback contract to a
// Sink, accumulating the full reply and enforcing single-shot terminal
// delivery (spec.md §4.5).
type generationCallback struct {
	sink      Sink
	builder   strings.Builder
	done      chan struct{}
	fired     atomic.Bool
	succeeded bool
}

func (c *generationCallback) OnMessage(chunk string) {
	c.builder.WriteString(chunk)
	c.sink.OnToken(chunk)
}

func (c *generationCallback) OnDone() {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}
	c.succeeded = true
	c.sink.OnComplete(c.builder.String())
	close(c.done)
}

func (c *generationCallback) OnError(err error) {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}
	c.sink.OnError(err)
	close(c.done)
}
