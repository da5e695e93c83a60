package token

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/archit342000/edge-ai-gateway/pkg/gatewaydb"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// RequestStatus is the result of RequestToken.
type RequestStatus int

const (
	// StatusApproved means the caller already has a minted token.
	StatusApproved RequestStatus = iota
	// StatusPending means the caller is now (or already was) waiting
	// for a human to call Approve or Deny.
	StatusPending
)

const (
	kvKeyApprovedTokens  = "approved_tokens"
	kvKeyPendingRequests = "pending_requests"
)

// Store is the TokenStore described in spec.md §4.1: a bijection between
// caller_id and token on the approved subset, plus a set of callers
// awaiting manual approval.
//
// A single mutex serializes every mutation. Validate is the hot path and
// reads a sync.Map mirror that is updated under the mutex on every write,
// so it never blocks on concurrent approvals or revocations.
type Store struct {
	db         *sqlx.DB
	backupPath string

	mu              sync.Mutex
	approvedByToken map[string]string // token -> caller_id
	approvedByCall  map[string]string // caller_id -> token
	pending         map[string]struct{}

	validateSet sync.Map // token -> struct{}, lock-free mirror for Validate

	reqGroup singleflight.Group
}

// Open opens (creating if necessary) the SQLite-backed token store rooted
// at basePath, reloading any previously approved tokens and pending
// requests.
func Open(ctx context.Context, basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create base path")
	}

	dbPath := filepath.Join(basePath, "tokens.db")
	db, err := gatewaydb.Open(ctx, dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open token database")
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create kv_store table")
	}

	s := &Store{
		db:              db,
		backupPath:      filepath.Join(basePath, "auth_tokens_backup.json"),
		approvedByToken: make(map[string]string),
		approvedByCall:  make(map[string]string),
		pending:         make(map[string]struct{}),
	}

	if err := s.reload(ctx); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to reload token store state, starting empty")
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// reload resyncs in-memory state from the backing store. It is called
// once from Open and repeatedly from WatchForChanges, so it reconciles
// both directions: entries present on disk but missing in memory (an
// approve/deny/revoke run by another process against the same base
// path) and entries in memory but missing on disk (revoked or denied
// elsewhere). A transient read failure leaves the affected half of the
// in-memory state untouched rather than wiping it.
func (s *Store) reload(ctx context.Context) error {
	approved, approvedErr := s.readApprovedFromPrimary(ctx)
	if approvedErr != nil || len(approved) == 0 {
		if approvedErr != nil {
			logger.G(ctx).WithError(approvedErr).Debug("primary approved-token read failed, trying backup")
		}
		if backup := s.readApprovedFromBackup(ctx); len(backup) > 0 {
			approved = backup
			approvedErr = nil
		}
	}

	pending, pendingErr := s.readPendingFromPrimary(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if approvedErr == nil {
		s.syncApprovedLocked(approved)
	} else {
		logger.G(ctx).WithError(approvedErr).Debug("approved tokens unavailable, keeping existing state")
	}

	if pendingErr == nil {
		s.syncPendingLocked(pending)
	} else {
		logger.G(ctx).WithError(pendingErr).Debug("pending requests unavailable, keeping existing state")
	}

	return nil
}

// syncApprovedLocked must be called with s.mu held. It replaces the
// in-memory approved set with approved, so revocations made by another
// process are picked up, not just additions.
func (s *Store) syncApprovedLocked(approved map[string]string) {
	for tok, callerID := range s.approvedByToken {
		if cur, ok := approved[callerID]; !ok || cur != tok {
			delete(s.approvedByToken, tok)
			delete(s.approvedByCall, callerID)
			s.validateSet.Delete(tok)
		}
	}
	for callerID, tok := range approved {
		if existing, ok := s.approvedByCall[callerID]; ok && existing == tok {
			continue
		}
		s.approvedByCall[callerID] = tok
		s.approvedByToken[tok] = callerID
		s.validateSet.Store(tok, struct{}{})
	}
}

// syncPendingLocked must be called with s.mu held. It replaces the
// in-memory pending set with callerIDs, so denials (or approvals) made
// by another process are picked up, not just new requests.
func (s *Store) syncPendingLocked(callerIDs []string) {
	want := make(map[string]struct{}, len(callerIDs))
	for _, callerID := range callerIDs {
		want[callerID] = struct{}{}
	}
	for callerID := range s.pending {
		if _, ok := want[callerID]; !ok {
			delete(s.pending, callerID)
		}
	}
	for callerID := range want {
		s.pending[callerID] = struct{}{}
	}
}

// WatchForChanges polls the backing store on interval and folds in any
// approvals, denials or revocations made by another process over the
// same base path; the approve/deny/revoke admin subcommands each open
// their own short-lived Store rather than talking to a running serve
// daemon. It runs until ctx is cancelled, the way
// conversation.Store.WatchDeletions runs for the lifetime of the
// daemon.
func (s *Store) WatchForChanges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reload(ctx); err != nil {
				logger.G(ctx).WithError(err).Debug("token store resync failed")
			}
		}
	}
}

func (s *Store) readApprovedFromPrimary(ctx context.Context) (map[string]string, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT value FROM kv_store WHERE key = ?", kvKeyApprovedTokens)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse approved_tokens")
	}
	return m, nil
}

func (s *Store) readApprovedFromBackup(ctx context.Context) map[string]string {
	data, err := os.ReadFile(s.backupPath)
	if err != nil {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to parse auth_tokens_backup.json")
		return nil
	}
	return m
}

func (s *Store) readPendingFromPrimary(ctx context.Context) ([]string, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, "SELECT value FROM kv_store WHERE key = ?", kvKeyPendingRequests)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.Wrap(err, "failed to parse pending_requests")
	}
	return list, nil
}

// persistApprovedLocked must be called with s.mu held. Persistence
// failures are logged and swallowed per spec.md §7 (PersistenceIO never
// fails the initiating operation).
func (s *Store) persistApprovedLocked(ctx context.Context) {
	snapshot := make(map[string]string, len(s.approvedByCall))
	for k, v := range s.approvedByCall {
		snapshot[k] = v
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.G(ctx).WithError(err).Error("failed to marshal approved tokens")
		return
	}

	writeErr := gatewaydb.ExecRetrying(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_store (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kvKeyApprovedTokens, string(data))
		return err
	})
	if writeErr != nil {
		logger.G(ctx).WithError(writeErr).Warn("failed to persist approved tokens to primary store")
	}

	if err := writeFileAtomic(s.backupPath, data); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to write auth_tokens_backup.json")
	}
}

func (s *Store) persistPendingLocked(ctx context.Context) {
	list := make([]string, 0, len(s.pending))
	for callerID := range s.pending {
		list = append(list, callerID)
	}
	data, err := json.Marshal(list)
	if err != nil {
		logger.G(ctx).WithError(err).Error("failed to marshal pending requests")
		return
	}
	writeErr := gatewaydb.ExecRetrying(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_store (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kvKeyPendingRequests, string(data))
		return err
	})
	if writeErr != nil {
		// Loss of pending is acceptable per spec.md §4.1; the caller re-requests.
		logger.G(ctx).WithError(writeErr).Debug("failed to persist pending requests")
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".backup-*.tmp")
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

// RequestToken implements spec.md §4.1's request_token operation. Calls
// racing on the same unknown caller_id are deduplicated by a singleflight
// group so exactly one PendingRequest is created.
func (s *Store) RequestToken(ctx context.Context, callerID string) (RequestStatus, string, error) {
	s.mu.Lock()
	if tok, ok := s.approvedByCall[callerID]; ok {
		s.mu.Unlock()
		return StatusApproved, tok, nil
	}
	_, alreadyPending := s.pending[callerID]
	s.mu.Unlock()

	if alreadyPending {
		return StatusPending, "", nil
	}

	_, err, _ := s.reqGroup.Do(callerID, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.approvedByCall[callerID]; ok {
			return nil, nil
		}
		if _, ok := s.pending[callerID]; ok {
			return nil, nil
		}
		s.pending[callerID] = struct{}{}
		s.persistPendingLocked(ctx)
		return nil, nil
	})
	if err != nil {
		return StatusPending, "", err
	}

	s.mu.Lock()
	tok, approved := s.approvedByCall[callerID]
	s.mu.Unlock()
	if approved {
		return StatusApproved, tok, nil
	}
	return StatusPending, "", nil
}

// Approve mints a fresh token for a pending caller, or returns the
// existing token of an already-approved caller. Returns ok=false if the
// caller is neither pending nor already approved.
func (s *Store) Approve(ctx context.Context, callerID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.approvedByCall[callerID]; ok {
		return tok, true, nil
	}
	if _, ok := s.pending[callerID]; !ok {
		return "", false, nil
	}

	tok, err := New()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to mint token")
	}

	delete(s.pending, callerID)
	s.approvedByCall[callerID] = tok
	s.approvedByToken[tok] = callerID
	s.validateSet.Store(tok, struct{}{})

	s.persistPendingLocked(ctx)
	s.persistApprovedLocked(ctx)

	return tok, true, nil
}

// Deny removes callerID from the pending set. No-op if absent.
func (s *Store) Deny(ctx context.Context, callerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[callerID]; !ok {
		return
	}
	delete(s.pending, callerID)
	s.persistPendingLocked(ctx)
}

// Revoke removes a token. It does not cascade conversation closure — the
// caller (Dispatcher) owns that per spec.md §4.1.
func (s *Store) Revoke(ctx context.Context, tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	callerID, ok := s.approvedByToken[tok]
	if !ok {
		return false
	}
	delete(s.approvedByToken, tok)
	delete(s.approvedByCall, callerID)
	s.validateSet.Delete(tok)
	s.persistApprovedLocked(ctx)
	return true
}

// Validate is the O(1) hot-path check, reading the lock-free mirror set.
func (s *Store) Validate(tok string) bool {
	_, ok := s.validateSet.Load(tok)
	return ok
}

// CallerForToken returns the caller_id bound to tok, if any. Used by the
// revoke admin subcommand to report whose token it revoked.
func (s *Store) CallerForToken(tok string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	callerID, ok := s.approvedByToken[tok]
	return callerID, ok
}
