package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
)

type recordingCallback struct {
	mu     sync.Mutex
	chunks []string
	done   chan struct{}
	err    error
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{done: make(chan struct{})}
}

func (c *recordingCallback) OnMessage(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *recordingCallback) OnDone() { close(c.done) }

func (c *recordingCallback) OnError(err error) {
	c.err = err
	close(c.done)
}

func TestFakeConversationEchoesWithPrefix(t *testing.T) {
	factory := NewFakeFactory()
	eng, err := factory(Config{ModelPath: "m"})
	require.NoError(t, err)
	require.NoError(t, eng.Initialize(context.Background()))

	conv, err := eng.CreateConversation(ConversationConfig{SystemInstruction: "be terse"})
	require.NoError(t, err)

	cb := newRecordingCallback()
	msg := conversation.Message{Role: conversation.RoleUser, Parts: []conversation.Part{{Kind: conversation.PartText, Text: "hello world"}}}
	conv.SendAsync(context.Background(), msg, cb)

	select {
	case <-cb.done:
	case <-time.After(time.Second):
		t.Fatal("fake conversation never completed")
	}

	full := strings.Join(cb.chunks, "")
	assert.Contains(t, full, "be terse")
	assert.Contains(t, full, "hello world")
	assert.Nil(t, cb.err)
}

func TestFakeConversationRespectsCancellation(t *testing.T) {
	factory := NewFakeFactory()
	eng, _ := factory(Config{ModelPath: "m"})
	conv, err := eng.CreateConversation(ConversationConfig{SystemInstruction: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cb := newRecordingCallback()
	msg := conversation.Message{Role: conversation.RoleUser, Parts: []conversation.Part{{Kind: conversation.PartText, Text: "a long message with many words in it"}}}
	conv.SendAsync(ctx, msg, cb)
	cancel()

	select {
	case <-cb.done:
		assert.Error(t, cb.err)
	case <-time.After(time.Second):
		t.Fatal("fake conversation never observed cancellation")
	}
}

func TestExtractTextIgnoresNonTextParts(t *testing.T) {
	m := conversation.Message{Parts: []conversation.Part{
		{Kind: conversation.PartImage, Data: []byte{1}},
		{Kind: conversation.PartText, Text: "visible"},
	}}
	assert.Equal(t, "visible", extractText(m))
}
