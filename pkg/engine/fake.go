package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
)

// NewFakeFactory returns a Factory producing a deterministic in-memory
// engine, for `cmd/gatewayd serve --fake-engine` and for tests that need
// to exercise C3's reuse/rebuild policy without the native library.
func NewFakeFactory() Factory {
	return func(cfg Config) (Engine, error) {
		return &fakeEngine{cfg: cfg}, nil
	}
}

type fakeEngine struct {
	cfg Config
	mu  sync.Mutex
}

func (e *fakeEngine) Initialize(ctx context.Context) error { return nil }

func (e *fakeEngine) CreateConversation(cfg ConversationConfig) (EngineConversation, error) {
	return &fakeConversation{cfg: cfg}, nil
}

func (e *fakeEngine) Close() {}

// fakeConversation echoes the triggering message's text, word by word,
// with a small delay between chunks so streaming has observable shape.
type fakeConversation struct {
	cfg    ConversationConfig
	mu     sync.Mutex
	closed bool
}

func (c *fakeConversation) SendAsync(ctx context.Context, message conversation.Message, cb SendCallback) {
	go func() {
		text := extractText(message)
		reply := fmt.Sprintf("[fake:%s] %s", c.cfg.SystemInstruction, text)
		words := strings.Fields(reply)
		if len(words) == 0 {
			words = []string{"(empty)"}
		}

		for i, w := range words {
			select {
			case <-ctx.Done():
				cb.OnError(ctx.Err())
				return
			case <-time.After(time.Millisecond):
			}
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			cb.OnMessage(chunk)
		}
		cb.OnDone()
	}()
}

func (c *fakeConversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func extractText(m conversation.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == conversation.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
