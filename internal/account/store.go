package account

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/codexgate/cliproxy/internal/kvstore"
)

// Store is a typed view over a persisted AuthFile for a single provider,
// backed by kvstore's atomic single-writer-per-path save/load. UpdateAccount
// always runs inside the underlying Save update function, per §4.4.
type Store struct {
	kv       *kvstore.Store
	path     string
	provider string

	mu    sync.RWMutex
	cache AuthFile
}

// errNoopSave signals TryAcquireLease's update function that the lease
// precondition failed; kvstore.Save aborts without writing and returns this
// error unchanged, which TryAcquireLease translates into (false, nil).
var errNoopSave = errors.New("account: lease precondition failed")

type contextKey struct{}

// WithSkipPersist returns a derived context used by code paths reacting to
// external file edits (fsnotify reload), where the file on disk is already
// the source of truth and writing it back would create a write-back loop.
func WithSkipPersist(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, true)
}

func shouldSkipPersist(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(contextKey{}).(bool)
	return v
}

// NewStore opens (or lazily creates) the AuthFile at path for provider.
func NewStore(kv *kvstore.Store, path, provider string) *Store {
	return &Store{kv: kv, path: path, provider: provider}
}

func (s *Store) load() (AuthFile, error) {
	raw, err := s.kv.Load(s.path)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return AuthFile{}, nil
		}
		return nil, err
	}
	var file AuthFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return AuthFile{}, nil
	}
	return file, nil
}

// EnsureDomain returns the domain for mode, creating an empty one (with the
// given default strategy) if absent.
func (s *Store) EnsureDomain(mode AuthMode, defaultStrategy Strategy) (*Domain, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	if file == nil {
		file = AuthFile{}
	}
	d, ok := file[string(mode)]
	if !ok || d == nil {
		d = &Domain{Strategy: defaultStrategy}
	}
	return d, nil
}

// List returns the accounts whose authTypes contains mode.
func (s *Store) List(ctx context.Context, mode AuthMode) ([]*Account, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*Account
	for _, domain := range file {
		for _, acc := range domain.Accounts {
			if acc.HasMode(mode) {
				out = append(out, acc.Clone())
			}
		}
	}
	return out, nil
}

// UpdateAccount mutates the account identified by identityKey via patch,
// executed inside the store's atomic save. Returns kvstore.ErrNotFound if no
// account with that key exists in any provider's account list.
func (s *Store) UpdateAccount(ctx context.Context, identityKey string, patch func(*Account)) error {
	if shouldSkipPersist(ctx) {
		return nil
	}
	_, err := s.kv.Save(s.path, func(current []byte) ([]byte, error) {
		var file AuthFile
		if current != nil {
			if err := json.Unmarshal(current, &file); err != nil {
				file = AuthFile{}
			}
		} else {
			file = AuthFile{}
		}
		found := false
		for _, domain := range file {
			for _, acc := range domain.Accounts {
				if acc.IdentityKey == identityKey {
					patch(acc)
					found = true
				}
			}
		}
		if !found {
			return nil, kvstore.ErrNotFound
		}
		return json.MarshalIndent(file, "", "  ")
	})
	return err
}

// TryAcquireLease sets refreshLeaseUntil = now+leaseMs only if no future
// lease currently exists on the account, returning whether this caller won
// the lease (§4.6 single-flight: only the lease holder performs refresh).
func (s *Store) TryAcquireLease(ctx context.Context, identityKey string, nowMs, leaseMs int64) (bool, error) {
	acquired := false
	_, err := s.kv.Save(s.path, func(current []byte) ([]byte, error) {
		var file AuthFile
		if current != nil {
			if err := json.Unmarshal(current, &file); err != nil {
				file = AuthFile{}
			}
		} else {
			file = AuthFile{}
		}
		found := false
		for _, domain := range file {
			for _, acc := range domain.Accounts {
				if acc.IdentityKey != identityKey {
					continue
				}
				found = true
				if acc.RefreshLeaseUntil > nowMs {
					acquired = false
					return nil, errNoopSave
				}
				acc.RefreshLeaseUntil = nowMs + leaseMs
				acquired = true
			}
		}
		if !found {
			return nil, kvstore.ErrNotFound
		}
		return json.MarshalIndent(file, "", "  ")
	})
	if errors.Is(err, errNoopSave) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease clears refreshLeaseUntil for identityKey, used after a
// refresh attempt completes (success or failure).
func (s *Store) ReleaseLease(ctx context.Context, identityKey string) error {
	return s.UpdateAccount(ctx, identityKey, func(a *Account) {
		a.RefreshLeaseUntil = 0
	})
}

// SetCooldown sets cooldownUntil (absolute epoch ms) for identityKey.
func (s *Store) SetCooldown(ctx context.Context, identityKey string, untilMs int64) error {
	return s.UpdateAccount(ctx, identityKey, func(a *Account) {
		a.CooldownUntil = untilMs
	})
}

// Save persists an entire AuthFile snapshot, replacing the prior contents.
// Used by import/login flows that construct the whole document at once.
func (s *Store) Save(ctx context.Context, file AuthFile) error {
	_, err := s.kv.Save(s.path, func([]byte) ([]byte, error) {
		return json.MarshalIndent(file, "", "  ")
	})
	return err
}
