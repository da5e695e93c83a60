// Package engine implements the gateway's EngineGateway (spec.md §4.3):
// the single point of serialization around the native inference runtime,
// its reuse-vs-rebuild policy for the KV cache, and the streaming
// generation protocol.
package engine

import (
	"context"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
)

// Backend names a compute backend, per spec.md §4.3.1.
type Backend string

// Recognized backends.
const (
	BackendCPU Backend = "cpu"
	BackendGPU Backend = "gpu"
	BackendNPU Backend = "npu"
)

// Config configures a fresh Engine (spec.md §6.4, Engine::new(config)).
type Config struct {
	ModelPath     string
	Backend       Backend
	VisionBackend Backend
	AudioBackend  Backend
}

// Sampler carries the generation parameters passed to
// create_conversation (spec.md §6.4).
type Sampler struct {
	TopK        uint32
	TopP        float64
	Temperature float64
}

// ConversationConfig configures a fresh engine-conversation.
type ConversationConfig struct {
	SystemInstruction string
	InitialMessages   []conversation.Message
	Sampler           Sampler
}

// SendCallback is the streaming callback contract passed to
// EngineConversation.SendAsync (spec.md §6.4): on_message/on_done/on_error.
type SendCallback interface {
	OnMessage(chunk string)
	OnDone()
	OnError(err error)
}

// EngineConversation is an opaque, stateful engine-conversation bound to
// exactly one logical Conversation while active.
type EngineConversation interface {
	// SendAsync submits message and streams the reply through cb. It
	// must honor ctx cancellation by aborting generation promptly.
	SendAsync(ctx context.Context, message conversation.Message, cb SendCallback)
	Close()
}

// Engine is the opaque native engine handle (spec.md §6.4).
type Engine interface {
	Initialize(ctx context.Context) error
	CreateConversation(cfg ConversationConfig) (EngineConversation, error)
	Close()
}

// Factory constructs an uninitialized Engine for cfg. Engine::new in
// spec.md §6.4 terms; Gateway calls Initialize separately so that a
// construction failure and an initialization failure are both subject to
// the GPU→CPU fallback in spec.md §4.3.1.
type Factory func(cfg Config) (Engine, error)

// Sink receives the streaming output of one generation. At most one of
// OnComplete/OnError fires per call, per spec.md §4.5's single-terminal-
// callback discipline.
type Sink interface {
	OnToken(delta string)
	OnComplete(fullText string)
	OnError(err error)
}
