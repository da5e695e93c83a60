package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// fileRecord is the on-disk JSON shape for a Conversation (spec.md §6.5).
// Conversation itself is not JSON-serializable directly: its TTL-tracking
// fields are atomics and its zero value must not be trusted after decode,
// so persistence always goes through this explicit DTO.
type fileRecord struct {
	ID                 string          `json:"conversation_id"`
	OwnerToken         string          `json:"owner_token"`
	SystemInstruction  string          `json:"system_instruction,omitempty"`
	TTLMillis          int64           `json:"ttl_ms"`
	CreatedAtMillis    int64           `json:"created_at"`
	LastAccessAtMillis int64           `json:"last_access_at"`
	History            []messageRecord `json:"history"`
	Sampling           Sampling        `json:"sampling"`
}

type messageRecord struct {
	Role  Role         `json:"role"`
	Parts []partRecord `json:"parts"`
}

type partRecord struct {
	Kind string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // base64
	MIME string `json:"mime,omitempty"`
}

func partKindName(k PartKind) string {
	switch k {
	case PartImage:
		return "image"
	case PartAudio:
		return "audio"
	default:
		return "text"
	}
}

func partKindFromName(s string) PartKind {
	switch s {
	case "image":
		return PartImage
	case "audio":
		return PartAudio
	default:
		return PartText
	}
}

func toRecord(c *Conversation) fileRecord {
	history := make([]messageRecord, len(c.History))
	for i, m := range c.History {
		parts := make([]partRecord, len(m.Parts))
		for j, p := range m.Parts {
			pr := partRecord{Kind: partKindName(p.Kind), MIME: p.MIME}
			if p.Kind == PartText {
				pr.Text = p.Text
			} else {
				pr.Data = base64.StdEncoding.EncodeToString(p.Data)
			}
			parts[j] = pr
		}
		history[i] = messageRecord{Role: m.Role, Parts: parts}
	}

	return fileRecord{
		ID:                 c.ID,
		OwnerToken:         c.OwnerToken,
		SystemInstruction:  c.SystemInstruction,
		TTLMillis:          c.TTL.Milliseconds(),
		CreatedAtMillis:    c.CreatedAt.UnixMilli(),
		LastAccessAtMillis: c.lastAccessAtMillis.Load(),
		History:            history,
		Sampling:           c.Sampling,
	}
}

func fromRecord(r fileRecord) (*Conversation, error) {
	history := make([]Message, len(r.History))
	for i, m := range r.History {
		parts := make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			kind := partKindFromName(p.Kind)
			part := Part{Kind: kind, MIME: p.MIME, Text: p.Text}
			if kind != PartText && p.Data != "" {
				data, err := base64.StdEncoding.DecodeString(p.Data)
				if err != nil {
					return nil, errors.Wrap(err, "failed to decode part data")
				}
				part.Data = data
			}
			parts[j] = part
		}
		history[i] = Message{Role: m.Role, Parts: parts}
	}

	c := &Conversation{
		ID:                r.ID,
		OwnerToken:        r.OwnerToken,
		SystemInstruction: r.SystemInstruction,
		TTL:               time.Duration(r.TTLMillis) * time.Millisecond,
		CreatedAt:         time.UnixMilli(r.CreatedAtMillis),
		History:           history,
		Sampling:          r.Sampling,
	}
	c.lastAccessAtMillis.Store(r.LastAccessAtMillis)
	return c, nil
}

// Evictor lets the PersistenceAdapter notify the registry of an
// out-of-band on-disk deletion without going through an auth check.
type Evictor interface {
	EvictByID(conversationID string)
}

// Store is the PersistenceAdapter (C6): one JSON file per conversation
// under <dir>/<id>.json, written atomically and serialized per
// conversation, with a fsnotify watch that evicts the registry's
// in-memory copy if a file disappears out from under it.
type Store struct {
	dir string

	writeMu sync.Mutex
	writers map[string]*sync.Mutex

	watcher *fsnotify.Watcher
	evictor Evictor

	stop context.CancelFunc
	done chan struct{}
}

// Open creates (if needed) the conversations directory and returns a
// Store ready to Save/Delete/LoadAll.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create conversations directory")
	}
	return &Store{dir: dir, writers: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) writerFor(id string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	m, ok := s.writers[id]
	if !ok {
		m = &sync.Mutex{}
		s.writers[id] = m
	}
	return m
}

// Save persists c to disk asynchronously. Writes for a single
// conversation are serialized against each other (never against writes
// for a different conversation) to prevent torn files without forcing
// unrelated conversations to wait on one another.
func (s *Store) Save(ctx context.Context, c *Conversation) {
	rec := toRecord(c)
	go func() {
		mu := s.writerFor(rec.ID)
		mu.Lock()
		defer mu.Unlock()

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			logger.G(ctx).WithError(err).Error("failed to marshal conversation record")
			return
		}

		err = retry.Do(
			func() error { return writeFileAtomicConv(s.path(rec.ID), data) },
			retry.Attempts(3),
			retry.Delay(5*time.Millisecond),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, os.ErrPermission) && !strings.Contains(err.Error(), "no space")
			}),
		)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("conversation_id", rec.ID).Warn("failed to persist conversation")
		}
	}()
}

// Delete removes the on-disk file for conversationID. A missing file is
// not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) {
	if err := os.Remove(s.path(conversationID)); err != nil && !os.IsNotExist(err) {
		logger.G(ctx).WithError(err).WithField("conversation_id", conversationID).Warn("failed to delete conversation file")
	}
}

// LoadAll enumerates the conversations directory, skipping (and
// deleting) any entry that is already expired, and returns the rest for
// the caller to Insert into the registry.
func (s *Store) LoadAll(ctx context.Context) ([]*Conversation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read conversations directory")
	}

	var live []*Conversation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("path", full).Warn("failed to read conversation file")
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.G(ctx).WithError(err).WithField("path", full).Warn("failed to parse conversation file")
			continue
		}
		c, err := fromRecord(rec)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("path", full).Warn("failed to decode conversation record")
			continue
		}
		if c.IsExpired() {
			_ = os.Remove(full)
			continue
		}
		live = append(live, c)
	}
	return live, nil
}

// WatchDeletions starts a fsnotify watch on the conversations directory
// and reports any externally-removed file to evictor, so the registry
// never keeps serving a conversation whose backing file vanished.
func (s *Store) WatchDeletions(ctx context.Context, evictor Evictor) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return errors.Wrap(err, "failed to watch conversations directory")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.evictor = evictor
	s.stop = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer watcher.Close()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.handleEvent(ctx, ev)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.G(ctx).WithError(werr).Warn("conversation file watcher error")
			}
		}
	}()

	return nil
}

func (s *Store) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	id := strings.TrimSuffix(name, ".json")
	logger.G(logger.WithConversationID(ctx, id)).Debug("conversation file removed out-of-band, evicting")
	if s.evictor != nil {
		s.evictor.EvictByID(id)
	}
}

// Close stops the file watcher goroutine, if running.
func (s *Store) Close() {
	if s.stop != nil {
		s.stop()
		<-s.done
	}
}

func writeFileAtomicConv(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".conv-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
