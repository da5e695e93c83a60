// Package dispatcher implements the gateway's Dispatcher (spec.md §4.5):
// the entry layer that authenticates every call, routes it to the owning
// component, counts in-flight generations, and renders structured error
// responses (spec.md §7).
package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archit342000/edge-ai-gateway/pkg/codec"
	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
	"github.com/archit342000/edge-ai-gateway/pkg/engine"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
	"github.com/archit342000/edge-ai-gateway/pkg/telemetry"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
)

// PendingApproval is the sentinel RequestToken returns while a caller
// awaits manual approval (spec.md §6.3).
const PendingApproval = "PENDING_USER_APPROVAL"

// ErrorKind enumerates the error kinds of spec.md §7.
type ErrorKind string

// Error kinds.
const (
	ErrInvalidToken ErrorKind = "InvalidToken"
	ErrNotFound     ErrorKind = "NotFound"
	ErrUnauthorized ErrorKind = "Unauthorized"
	ErrExpired      ErrorKind = "Expired"
	ErrInternal     ErrorKind = "Internal"
)

// Error is the structured error surfaced to clients (spec.md §7). Its
// Error() text is what renders into the `{"error": "..."}` envelope.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// ConversationInfo is the info object returned by start/info calls
// (spec.md §6.2).
type ConversationInfo struct {
	ConversationID     string `json:"conversation_id"`
	TTLMillis          int64  `json:"ttl_ms"`
	CreatedAt          int64  `json:"created_at"`
	LastAccessTime     int64  `json:"last_access_time"`
	ExpiresAt          int64  `json:"expires_at"`
	RemainingTTLMillis int64  `json:"remaining_ttl_ms"`
}

func infoFor(c *conversation.Conversation) ConversationInfo {
	last := c.LastAccessAt()
	expiresAt := last.Add(c.TTL)
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return ConversationInfo{
		ConversationID:     c.ID,
		TTLMillis:          c.TTL.Milliseconds(),
		CreatedAt:          c.CreatedAt.UnixMilli(),
		LastAccessTime:     last.UnixMilli(),
		ExpiresAt:          expiresAt.UnixMilli(),
		RemainingTTLMillis: remaining.Milliseconds(),
	}
}

// Sink mirrors spec.md §4.5's three streaming callbacks. At most one
// terminal callback (OnComplete xor OnError) fires per Generate call.
type Sink interface {
	OnToken(delta string)
	OnComplete(envelope codec.ChatCompletionEnvelope)
	OnError(message string)
}

// Dispatcher is the Dispatcher (C5).
type Dispatcher struct {
	tokens       *token.Store
	convs        *conversation.Registry
	engine       *engine.Gateway
	hostCallerID string

	activeRequests atomic.Int64
	tracer         trace.Tracer
	metrics        *telemetry.ActiveRequestsCounter

	idGen func() (string, error)
}

// New wires a Dispatcher over its three owning components.
func New(tokens *token.Store, convs *conversation.Registry, eng *engine.Gateway, hostCallerID string, metrics *telemetry.ActiveRequestsCounter) *Dispatcher {
	return &Dispatcher{
		tokens:       tokens,
		convs:        convs,
		engine:       eng,
		hostCallerID: hostCallerID,
		tracer:       telemetry.Tracer(""),
		metrics:      metrics,
		idGen:        conversation.NewID,
	}
}

// RequestToken implements spec.md §6.3's request_token.
func (d *Dispatcher) RequestToken(ctx context.Context, callerID string) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.request_token")
	defer span.End()

	status, tok, err := d.tokens.RequestToken(ctx, callerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", newError(ErrInternal, "failed to process token request")
	}
	if status == token.StatusApproved {
		return tok, nil
	}
	return PendingApproval, nil
}

// RevokeToken implements spec.md §6.3's revoke_token and its "Revocation
// authority" rule: only the configured host_caller_id may revoke, and a
// mismatched caller is rejected without touching C1 at all.
func (d *Dispatcher) RevokeToken(ctx context.Context, requestingCallerID, tok string) bool {
	ctx, span := d.tracer.Start(ctx, "dispatcher.revoke_token")
	defer span.End()

	if requestingCallerID != d.hostCallerID {
		logger.G(logger.WithCallerID(ctx, requestingCallerID)).Warn("rejected revoke_token from non-host caller")
		return false
	}

	if !d.tokens.Revoke(ctx, tok) {
		return false
	}
	if _, err := d.convs.CloseAllFor(ctx, tok); err != nil {
		logger.G(ctx).WithError(err).Warn("revoke_token: some conversations failed to close cleanly")
	}
	return true
}

// StartConversation implements spec.md §6.3's start_conversation.
func (d *Dispatcher) StartConversation(ctx context.Context, tok, systemInstruction string, ttlMs int64) (*ConversationInfo, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.start_conversation")
	defer span.End()

	if !d.tokens.Validate(tok) {
		return nil, newError(ErrInvalidToken, "Invalid API token")
	}

	c, err := d.convs.Create(ctx, tok, systemInstruction, time.Duration(ttlMs)*time.Millisecond)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, newError(ErrInternal, "failed to create conversation")
	}

	info := infoFor(c)
	return &info, nil
}

// CloseConversation implements spec.md §6.3's close_conversation.
func (d *Dispatcher) CloseConversation(ctx context.Context, tok, conversationID string) error {
	_, span := d.tracer.Start(ctx, "dispatcher.close_conversation")
	defer span.End()

	if !d.tokens.Validate(tok) {
		return newError(ErrInvalidToken, "Invalid API token")
	}
	if !d.convs.Close(ctx, conversationID, tok) {
		// Mirrors NotFound/Unauthorized representation (spec.md §7: do
		// not disclose existence to a non-owning caller).
		return newError(ErrNotFound, "conversation not found")
	}
	return nil
}

// ConversationInfo implements spec.md §6.3's conversation_info. It does
// not advance last_access_at (spec.md §9 open question resolution).
func (d *Dispatcher) ConversationInfo(ctx context.Context, tok, conversationID string) (*ConversationInfo, error) {
	_, span := d.tracer.Start(ctx, "dispatcher.conversation_info")
	defer span.End()

	if !d.tokens.Validate(tok) {
		return nil, newError(ErrInvalidToken, "Invalid API token")
	}

	c, status := d.convs.Info(conversationID, tok)
	switch status {
	case conversation.Found:
		info := infoFor(c)
		return &info, nil
	case conversation.Expired:
		return nil, newError(ErrExpired, "conversation expired")
	default:
		return nil, newError(ErrNotFound, "conversation not found")
	}
}

// Ping implements spec.md §6.3's ping.
func (d *Dispatcher) Ping(tok string) string {
	if !d.tokens.Validate(tok) {
		return "error: invalid token"
	}
	return "pong"
}

// Health implements spec.md §6.3's health.
func (d *Dispatcher) Health(tok string) string {
	if !d.tokens.Validate(tok) {
		return "error: invalid token"
	}
	return "ok"
}

// Load implements spec.md §6.3's load: the current active-request count,
// or -1 for an invalid token.
func (d *Dispatcher) Load(tok string) int64 {
	if !d.tokens.Validate(tok) {
		return -1
	}
	return d.activeRequests.Load()
}

// Generate implements spec.md §6.3's generate and §4.5's streaming
// contract. requestedModel is echoed into the reply envelope (or
// defaulted) per spec.md §6.2. Once the engine gateway has appended the
// request's messages to the conversation's history, they stay there even
// if generation then fails or is cancelled; only the assistant reply
// depends on success.
func (d *Dispatcher) Generate(ctx context.Context, tok, conversationID string, req *codec.ChatRequest, sink Sink) {
	ctx = logger.WithConversationID(ctx, conversationID)
	ctx, span := d.tracer.Start(ctx, "dispatcher.generate", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
	))
	defer span.End()

	if !d.tokens.Validate(tok) {
		sink.OnError("Invalid API token")
		return
	}

	c, status := d.convs.Lookup(ctx, conversationID, tok)
	switch status {
	case conversation.NotFound, conversation.Unauthorized:
		sink.OnError("conversation not found")
		return
	case conversation.Expired:
		sink.OnError("conversation expired")
		return
	}

	samplingOverride := samplingOverrideFrom(c.Sampling, req)

	msgs := codec.DecodeMessages(ctx, req)

	d.activeRequests.Add(1)
	d.metrics.Inc(ctx)
	defer func() {
		d.activeRequests.Add(-1)
		d.metrics.Dec(ctx)
	}()

	lockCtx, genSpan := d.tracer.Start(ctx, "dispatcher.generate.engine_lock_wait")
	waitStart := time.Now()

	id, err := d.idGen()
	if err != nil {
		genSpan.End()
		sink.OnError("failed to allocate response id")
		return
	}

	adapter := &sinkAdapter{
		sink:           sink,
		requestedModel: req.Model,
		id:             id,
		createdAt:      time.Now().Unix(),
	}

	d.engine.Generate(lockCtx, c, msgs, samplingOverride, func(updated *conversation.Conversation) {
		d.convs.Persist(lockCtx, updated)
	}, adapter)

	genSpan.SetAttributes(attribute.Int64("wait_ms", time.Since(waitStart).Milliseconds()))
	genSpan.End()
}

// samplingOverrideFrom returns nil when req carries no overrides, so the
// common case (no sampling change) avoids taking the reuse-disabling
// branch in the engine's equality check for no reason.
func samplingOverrideFrom(base conversation.Sampling, req *codec.ChatRequest) *conversation.Sampling {
	if req.Temperature == nil && req.TopP == nil && req.TopK == nil {
		return nil
	}
	s := base
	if req.Temperature != nil {
		s.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		s.TopP = *req.TopP
	}
	if req.TopK != nil && *req.TopK >= 1 {
		s.TopK = uint32(*req.TopK)
	}
	return &s
}

// sinkAdapter adapts engine.Sink (text deltas) to dispatcher.Sink (the
// full OpenAI-style envelope on completion).
type sinkAdapter struct {
	sink           Sink
	requestedModel string
	id             string
	createdAt      int64
}

func (a *sinkAdapter) OnToken(delta string) { a.sink.OnToken(delta) }

func (a *sinkAdapter) OnComplete(fullText string) {
	envelope := codec.EncodeReply(a.id, a.requestedModel, fullText, a.createdAt)
	a.sink.OnComplete(envelope)
}

func (a *sinkAdapter) OnError(err error) {
	a.sink.OnError(err.Error())
}
