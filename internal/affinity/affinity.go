// Package affinity implements the session affinity store (§4.10): sticky
// and hybrid session->identityKey maps that bias selection toward
// continuity, pruned on TTL and bounded in size, persisted on change with a
// single coalesced writer so that bursts of updates collapse into one I/O.
package affinity

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/kvstore"
)

const (
	defaultTTL            = 6 * time.Hour
	defaultMissingGraceMs = int64(5 * time.Minute / time.Millisecond)
	defaultMaxSize        = 200
)

type modeState struct {
	Seen   map[string]int64  `json:"seenSessionKeys"`
	Sticky map[string]string `json:"stickyBySessionKey"`
	Hybrid map[string]string `json:"hybridBySessionKey"`
}

func newModeState() *modeState {
	return &modeState{
		Seen:   make(map[string]int64),
		Sticky: make(map[string]string),
		Hybrid: make(map[string]string),
	}
}

// wireDocument mirrors the session-affinity.json shape, where each
// mode key lives at the document's top level alongside "version".
type wireDocument map[string]json.RawMessage

// Store is the in-memory + persisted session affinity table.
type Store struct {
	kv   *kvstore.Store
	path string

	mu       sync.Mutex
	modes    map[string]*modeState
	ttl      time.Duration
	grace    int64
	maxSize  int
	dirty    bool
	draining bool
}

// New constructs a Store backed by path, loading any existing document.
func New(kv *kvstore.Store, path string) (*Store, error) {
	s := &Store{
		kv:      kv,
		path:    path,
		modes:   make(map[string]*modeState),
		ttl:     defaultTTL,
		grace:   defaultMissingGraceMs,
		maxSize: defaultMaxSize,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := s.kv.Load(s.path)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	var wire wireDocument
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	for key, msg := range wire {
		if key == "version" {
			continue
		}
		var state modeState
		if err := json.Unmarshal(msg, &state); err != nil {
			continue
		}
		if state.Seen == nil {
			state.Seen = make(map[string]int64)
		}
		if state.Sticky == nil {
			state.Sticky = make(map[string]string)
		}
		if state.Hybrid == nil {
			state.Hybrid = make(map[string]string)
		}
		s.modes[key] = &state
	}
	return nil
}

func (s *Store) modeFor(mode account.AuthMode) *modeState {
	key := string(mode)
	st, ok := s.modes[key]
	if !ok {
		st = newModeState()
		s.modes[key] = st
	}
	return st
}

// ObserveSession marks sessionKey as seen at now, for later TTL pruning.
func (s *Store) ObserveSession(mode account.AuthMode, sessionKey string, now time.Time) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	st.Seen[sessionKey] = now.UnixMilli()
	s.dirty = true
}

// Sticky returns the identityKey sticky[sessionKey] maps to, if any.
func (s *Store) Sticky(mode account.AuthMode, sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	v, ok := st.Sticky[sessionKey]
	return v, ok
}

// Hybrid returns the identityKey hybrid[sessionKey] maps to, if any.
func (s *Store) Hybrid(mode account.AuthMode, sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	v, ok := st.Hybrid[sessionKey]
	return v, ok
}

// SetSticky records sticky[sessionKey] = identityKey.
func (s *Store) SetSticky(mode account.AuthMode, sessionKey, identityKey string) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	st.Sticky[sessionKey] = identityKey
	s.evictIfNeededLocked(st)
	s.dirty = true
}

// SetHybrid records hybrid[sessionKey] = identityKey (a substitution that
// persists until the original sticky target recovers).
func (s *Store) SetHybrid(mode account.AuthMode, sessionKey, identityKey string) {
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	st.Hybrid[sessionKey] = identityKey
	s.evictIfNeededLocked(st)
	s.dirty = true
}

// ClearHybrid removes hybrid[sessionKey], used once the sticky target
// recovers and the substitution is no longer needed.
func (s *Store) ClearHybrid(mode account.AuthMode, sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.modeFor(mode)
	delete(st.Hybrid, sessionKey)
	s.dirty = true
}

func (s *Store) evictIfNeededLocked(st *modeState) {
	for len(st.Sticky) > s.maxSize {
		oldestKey := s.oldestByLastSeen(st, st.Sticky)
		if oldestKey == "" {
			break
		}
		delete(st.Sticky, oldestKey)
	}
}

func (s *Store) oldestByLastSeen(st *modeState, from map[string]string) string {
	var oldestKey string
	var oldestSeen int64 = -1
	for key := range from {
		seen, ok := st.Seen[key]
		if !ok {
			return key
		}
		if oldestSeen == -1 || seen < oldestSeen {
			oldestSeen = seen
			oldestKey = key
		}
	}
	return oldestKey
}

// MissingSession reports whether the host reports sessionKey no longer
// exists; callers pass a lookup function since "existence" is host-defined.
type MissingSessionFunc func(sessionKey string) bool

// Prune drops keys older than TTL, keys the host reports missing (after
// missingGraceMs has elapsed since they were last seen), and caps total
// size via oldest-first eviction. Returns true if anything changed.
func (s *Store) Prune(now time.Time, isMissing MissingSessionFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, st := range s.modes {
		for key, seenMs := range st.Seen {
			age := now.UnixMilli() - seenMs
			expired := age > s.ttl.Milliseconds()
			missingTooLong := isMissing != nil && isMissing(key) && age > s.grace
			if expired || missingTooLong {
				delete(st.Seen, key)
				delete(st.Sticky, key)
				delete(st.Hybrid, key)
				changed = true
			}
		}
		s.evictIfNeededLocked(st)
	}
	if changed {
		s.dirty = true
	}
	return changed
}

// Persist writes the current state to disk if it has changed since the last
// successful Persist call, coalescing concurrent callers into one I/O.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty || s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	_, err := s.kv.Save(s.path, func([]byte) ([]byte, error) {
		return json.MarshalIndent(snapshot, "", "  ")
	})

	s.mu.Lock()
	s.draining = false
	if err == nil && reflect.DeepEqual(s.snapshotLocked(), snapshot) {
		s.dirty = false
	}
	s.mu.Unlock()
	return err
}

func (s *Store) snapshotLocked() wireDocument {
	out := wireDocument{}
	out["version"], _ = json.Marshal(1)
	for mode, st := range s.modes {
		raw, _ := json.Marshal(st)
		out[mode] = raw
	}
	return out
}
