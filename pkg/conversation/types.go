// Package conversation implements the gateway's ConversationRegistry
// (spec.md §4.2) and PersistenceAdapter (spec.md §4.6): the set of live,
// TTL-bounded conversations and their on-disk representation.
package conversation

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Role identifies who authored a Message.
type Role string

// Roles recognized by the wire protocol and the engine contract.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind discriminates the kind of content carried by a Part.
type PartKind int

// Part kinds, per spec.md §3 Message.parts.
const (
	PartText PartKind = iota
	PartImage
	PartAudio
)

// Part is one piece of multimodal content within a Message.
type Part struct {
	Kind PartKind
	Text string // valid when Kind == PartText
	Data []byte // valid when Kind == PartImage or PartAudio
	MIME string // valid when Kind == PartImage or PartAudio
}

// Message is one turn's contribution, possibly multimodal.
type Message struct {
	Role  Role
	Parts []Part
}

// Sampling holds the generation parameters, defaulting per spec.md §3.
type Sampling struct {
	Temperature float64
	TopP        float64
	TopK        uint32
}

// DefaultSampling returns the spec.md §3 default sampling parameters.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0.8, TopP: 0.95, TopK: 40}
}

// DefaultTTL is applied when a caller passes ttl_ms <= 0 to Create.
const DefaultTTL = 30 * time.Minute

// Conversation is the logical, persistent record owned by the registry.
// last_access_at is read/written atomically so that touch() never takes
// a lock; all other fields are immutable after creation except History
// and Sampling, both of which are only ever mutated while the caller
// holds the engine lock (spec.md §4.2 concurrency note).
type Conversation struct {
	ID                 string
	OwnerToken         string
	SystemInstruction  string
	TTL                time.Duration
	CreatedAt          time.Time
	lastAccessAtMillis atomic.Int64

	History  []Message
	Sampling Sampling

	// EngineBound records whether C3 currently has an active binding to
	// this conversation. It exists purely for observability; C3 owns the
	// authoritative state.
	EngineBound atomic.Bool
}

// NewID generates a random, filesystem-safe conversation identifier: 128
// bits of crypto/rand rendered as 32 lowercase hex characters.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate conversation id")
	}
	return hex.EncodeToString(b), nil
}

// LastAccessAt returns the last time this conversation was successfully
// looked up (spec.md §3 invariant 1).
func (c *Conversation) LastAccessAt() time.Time {
	return time.UnixMilli(c.lastAccessAtMillis.Load())
}

// Touch advances last_access_at to now, resetting the TTL window.
func (c *Conversation) Touch() {
	c.lastAccessAtMillis.Store(time.Now().UnixMilli())
}

// IsExpired implements spec.md §3 invariant 1.
func (c *Conversation) IsExpired() bool {
	return time.Since(c.LastAccessAt()) > c.TTL
}

// AppendMessages appends msgs to History. Callers must hold the engine
// lock (spec.md §4.3.3 step 1): history grows only while generation is
// serialized against this conversation.
func (c *Conversation) AppendMessages(msgs []Message) {
	c.History = append(c.History, msgs...)
}

// AppendAssistantReply appends a single assistant Message built from a
// complete text reply. A no-op for an empty reply (spec.md §3 invariant 3).
func (c *Conversation) AppendAssistantReply(text string) {
	if text == "" {
		return
	}
	c.History = append(c.History, Message{
		Role:  RoleAssistant,
		Parts: []Part{{Kind: PartText, Text: text}},
	})
}
