package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/metrics"
	"github.com/porthole-hpc/porthole/pkg/types"
)

// ErrNotFound is returned when a session key has no record.
var ErrNotFound = errors.New("session not found")

// ConflictError is returned by Create when the key already has an active
// session. It carries the existing session so the caller can offer a
// "connect" affordance instead of a bare failure.
type ConflictError struct {
	Existing *types.Session
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s already active (job %s, status %s)",
		e.Existing.Key, e.Existing.JobID, e.Existing.Status)
}

// snapshotFile is the on-disk shape of the session snapshot.
type snapshotFile struct {
	Version  int              `json:"version"`
	Sessions []*types.Session `json:"sessions"`
}

// activityFlushInterval rate-limits snapshot writes caused purely by
// proxy-traffic activity stamps.
const activityFlushInterval = 30 * time.Second

// Store is the durable ordered session map. All mutations are serialised
// through its mutex and committed to disk with a temp-file + rename so a
// partial write never corrupts the readable file.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session

	path      string
	journal   *Journal
	clock     clockwork.Clock
	retention time.Duration

	lastActivityFlush time.Time
}

// Open loads (or initialises) the store under dir. Terminal records older
// than retention are dropped on load. A missing snapshot file is not an
// error; an unreadable one is, so the operator can intervene before state
// is silently discarded.
func Open(dir string, retention time.Duration, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	journal, err := OpenJournal(dir, retention, clock)
	if err != nil {
		return nil, err
	}

	s := &Store{
		sessions:  make(map[string]*types.Session),
		path:      filepath.Join(dir, "sessions.json"),
		journal:   journal,
		clock:     clock,
		retention: retention,
	}
	if err := s.load(); err != nil {
		journal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	cutoff := s.clock.Now().UTC().Add(-s.retention)
	kept, dropped := 0, 0
	for _, sess := range snap.Sessions {
		if sess.Status.Terminal() && sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			dropped++
			continue
		}
		s.sessions[sess.Key.String()] = sess
		kept++
	}
	log.WithComponent("state").Info().
		Int("kept", kept).Int("dropped", dropped).
		Msg("loaded session state")
	s.refreshGaugeLocked()
	return nil
}

// persistLocked writes the snapshot. Callers must hold the write lock.
func (s *Store) persistLocked() error {
	snap := snapshotFile{Version: 1, Sessions: s.sortedLocked()}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// refreshGaugeLocked recounts non-terminal sessions into the active gauge.
func (s *Store) refreshGaugeLocked() {
	metrics.SessionsActive.Reset()
	for _, sess := range s.sessions {
		if sess.Status.Terminal() {
			continue
		}
		metrics.SessionsActive.WithLabelValues(string(sess.Status), string(sess.Key.IDE)).Inc()
	}
}

func (s *Store) sortedLocked() []*types.Session {
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*types.Session, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.sessions[k])
	}
	return out
}

// Create inserts a new pending session, enforcing exclusivity: at most one
// active session per key. On violation the existing session is returned
// inside a *ConflictError.
func (s *Store) Create(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sess.Key.String()
	if existing, ok := s.sessions[k]; ok && existing.Active() {
		return &ConflictError{Existing: existing.Clone()}
	}

	now := s.clock.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = types.StatusPending
	}
	s.sessions[k] = sess.Clone()

	if err := s.persistLocked(); err != nil {
		delete(s.sessions, k)
		return err
	}
	s.journal.Append(sess)
	s.refreshGaugeLocked()
	return nil
}

// Get returns a copy of the session for key.
func (s *Store) Get(key types.SessionKey) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Update applies mutate to the session under the store lock and persists.
// The updated copy is returned. Status transitions are journalled and
// terminal transitions stamp EndedAt; reopening a terminal record is
// rejected so observed status sequences stay prefix-ordered.
func (s *Store) Update(key types.SessionKey, mutate func(*types.Session) error) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return nil, ErrNotFound
	}

	before := sess.Status
	work := sess.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	if before.Terminal() && work.Status != before {
		return nil, fmt.Errorf("session %s is %s: cannot transition to %s", key, before, work.Status)
	}

	now := s.clock.Now().UTC()
	work.UpdatedAt = now
	if work.Status.Terminal() && work.EndedAt == nil {
		t := now
		work.EndedAt = &t
	}
	if !work.Status.Terminal() {
		work.EndedAt = nil
		work.EndReason = ""
	}

	s.sessions[key.String()] = work
	if err := s.persistLocked(); err != nil {
		s.sessions[key.String()] = sess
		return nil, err
	}
	if work.Status != before {
		s.journal.Append(work)
	}
	s.refreshGaugeLocked()
	return work.Clone(), nil
}

// Touch stamps last-activity without forcing a snapshot write per request;
// the snapshot flushes at most every activityFlushInterval for pure
// activity updates.
func (s *Store) Touch(key types.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key.String()]
	if !ok {
		return
	}
	now := s.clock.Now().UTC()
	sess.LastActivity = now

	if now.Sub(s.lastActivityFlush) >= activityFlushInterval {
		if err := s.persistLocked(); err != nil {
			log.WithComponent("state").Warn().Err(err).Msg("activity flush failed")
			return
		}
		s.lastActivityFlush = now
	}
}

// List returns a copy of every session, ordered by key.
func (s *Store) List() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sortedLocked() {
		out = append(out, sess.Clone())
	}
	return out
}

// ListActive returns every pending or running session, ordered by key.
func (s *Store) ListActive() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Session
	for _, sess := range s.sortedLocked() {
		if sess.Active() {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// ListByUser returns the user's sessions, ordered by key.
func (s *Store) ListByUser(user string) []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Session
	for _, sess := range s.sortedLocked() {
		if sess.Key.User == user {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// ActiveUserClusters returns the set of (user, cluster) pairs holding at
// least one active session; the poller issues one scheduler read per pair.
func (s *Store) ActiveUserClusters() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]map[string]bool)
	for _, sess := range s.sessions {
		if !sess.Active() {
			continue
		}
		if seen[sess.Key.User] == nil {
			seen[sess.Key.User] = make(map[string]bool)
		}
		seen[sess.Key.User][sess.Key.Cluster] = true
	}

	out := make(map[string][]string, len(seen))
	for user, clusters := range seen {
		for c := range clusters {
			out[user] = append(out[user], c)
		}
		sort.Strings(out[user])
	}
	return out
}

// PruneExpired drops terminal sessions past retention from memory and disk.
func (s *Store) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().UTC().Add(-s.retention)
	var dropped int
	for k, sess := range s.sessions {
		if sess.Status.Terminal() && sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			delete(s.sessions, k)
			dropped++
		}
	}
	if dropped > 0 {
		if err := s.persistLocked(); err != nil {
			log.WithComponent("state").Warn().Err(err).Msg("prune persist failed")
		}
	}
	s.journal.Prune()
	return dropped
}

// History returns journalled transitions for a user, newest first.
func (s *Store) History(user string, limit int) ([]Transition, error) {
	return s.journal.ByUser(user, limit)
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistLocked(); err != nil {
		log.WithComponent("state").Error().Err(err).Msg("final persist failed")
	}
	return s.journal.Close()
}
