package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDUnique(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestTouchResetsExpiry(t *testing.T) {
	c := &Conversation{TTL: 10 * time.Millisecond}
	c.Touch()
	assert.False(t, c.IsExpired())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.IsExpired())

	c.Touch()
	assert.False(t, c.IsExpired())
}

func TestAppendAssistantReplySkipsEmptyText(t *testing.T) {
	c := &Conversation{}
	c.AppendAssistantReply("")
	assert.Empty(t, c.History)

	c.AppendAssistantReply("hello")
	require.Len(t, c.History, 1)
	assert.Equal(t, RoleAssistant, c.History[0].Role)
	assert.Equal(t, "hello", c.History[0].Parts[0].Text)
}

func TestAppendMessagesGrowsHistoryInOrder(t *testing.T) {
	c := &Conversation{}
	c.AppendMessages([]Message{{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: "one"}}}})
	c.AppendMessages([]Message{{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: "two"}}}})

	require.Len(t, c.History, 2)
	assert.Equal(t, "one", c.History[0].Parts[0].Text)
	assert.Equal(t, "two", c.History[1].Parts[0].Text)
}

func TestDefaultSampling(t *testing.T) {
	s := DefaultSampling()
	assert.Equal(t, 0.8, s.Temperature)
	assert.Equal(t, 0.95, s.TopP)
	assert.Equal(t, uint32(40), s.TopK)
}
