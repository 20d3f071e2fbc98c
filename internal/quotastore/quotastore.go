// Package quotastore persists the per-identity Quota Snapshot file
// (§3 "Quota Snapshot", §6.1 snapshots.json), the one other durable
// document in the system besides auth.json and session-affinity.json, on
// the same kvstore.Store atomic-save primitive.
package quotastore

import (
	"context"
	"encoding/json"

	"github.com/codexgate/cliproxy/internal/kvstore"
	"github.com/codexgate/cliproxy/internal/ratelimit"
)

// Store is a typed view over snapshots.json: identityKey -> QuotaSnapshot.
type Store struct {
	kv   *kvstore.Store
	path string
}

// New opens (or lazily creates) the snapshot file at path.
func New(kv *kvstore.Store, path string) *Store {
	return &Store{kv: kv, path: path}
}

// Get returns the persisted snapshot for identityKey, if any.
func (s *Store) Get(ctx context.Context, identityKey string) (ratelimit.Snapshot, bool, error) {
	file, err := s.load()
	if err != nil {
		return ratelimit.Snapshot{}, false, err
	}
	snap, ok := file[identityKey]
	return snap, ok, nil
}

// Save writes (or overwrites) the snapshot for identityKey.
func (s *Store) Save(ctx context.Context, identityKey string, snap ratelimit.Snapshot) error {
	_, err := s.kv.Save(s.path, func(current []byte) ([]byte, error) {
		file := map[string]ratelimit.Snapshot{}
		if current != nil {
			if err := json.Unmarshal(current, &file); err != nil {
				file = map[string]ratelimit.Snapshot{}
			}
		}
		file[identityKey] = snap
		return json.MarshalIndent(file, "", "  ")
	})
	return err
}

func (s *Store) load() (map[string]ratelimit.Snapshot, error) {
	raw, err := s.kv.Load(s.path)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return map[string]ratelimit.Snapshot{}, nil
		}
		return nil, err
	}
	file := map[string]ratelimit.Snapshot{}
	if err := json.Unmarshal(raw, &file); err != nil {
		return map[string]ratelimit.Snapshot{}, nil
	}
	return file, nil
}
