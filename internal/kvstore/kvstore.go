// Package kvstore implements atomic, single-writer-per-path persistence of
// JSON blobs on the local filesystem. It is the durable backbone for
// auth.json, snapshots.json, and session-affinity.json.
package kvstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned by Load when the path does not exist or its
// contents cannot be parsed as valid JSON; both are treated as "no prior
// value" per the persistence contract.
var ErrNotFound = errors.New("kvstore: not found")

// UpdateFunc computes the next value given the current one (nil when no
// prior value exists). Returning an error aborts the save without writing.
type UpdateFunc func(current []byte) ([]byte, error)

// Backend synchronizes a path managed by Store with a remote copy. Push runs
// after every successful local Save; Pull runs before Load when the local
// mirror is missing, to hydrate it from the remote side. Both are best-effort
// from Store's perspective: the local atomic write is already the durable
// source of truth, the backend only extends its reach.
type Backend interface {
	Push(ctx context.Context, path string, data []byte) error
	Pull(ctx context.Context, path string) ([]byte, bool, error)
}

// Store serializes reads and writes to JSON files, one mutex per path in
// this process plus a cross-process flock on the parent directory.
type Store struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	Backend Backend
}

// New returns a ready-to-use Store.
func New() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load reads path and returns its raw bytes. It returns ErrNotFound when the
// file is missing or not valid JSON (callers needing schema validation do
// their own unmarshal after this call succeeds). When the local mirror is
// missing and a Backend is configured, Load asks the backend for a remote
// copy and seeds the local mirror from it before returning.
func (s *Store) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if s.Backend == nil {
			return nil, ErrNotFound
		}
		remote, ok, pullErr := s.Backend.Pull(context.Background(), path)
		if pullErr != nil || !ok || !json.Valid(remote) {
			return nil, ErrNotFound
		}
		if writeErr := atomicWrite(path, remote); writeErr != nil {
			return nil, writeErr
		}
		return remote, nil
	}
	if !json.Valid(data) {
		return nil, ErrNotFound
	}
	return data, nil
}

// Save computes the next value via update(current) and durably persists it:
// temp file in the same directory, fsync (best-effort), rename over target,
// fsync parent directory (best-effort), chmod 0600 (best-effort).
func (s *Store) Save(path string, update UpdateFunc) ([]byte, error) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	fileLock := flock.New(filepath.Join(dir, ".lock"))
	lockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if locked, err := fileLock.TryLockContext(lockCtx, 25*time.Millisecond); err == nil && locked {
		defer fileLock.Unlock()
	}

	current, err := s.Load(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next, err := update(current)
	if err != nil {
		return nil, err
	}

	if err := atomicWrite(path, next); err != nil {
		return nil, err
	}
	if s.Backend != nil {
		_ = s.Backend.Push(context.Background(), path, next) // local write already durable; remote sync is best-effort
	}
	return next, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp."+randSuffix())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	_ = f.Sync() // best-effort; unsupported on some platforms/filesystems
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync() // best-effort directory fsync
		dirHandle.Close()
	}

	if err := os.Chmod(path, 0o600); err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return nil // swallow EACCES/EPERM per spec; propagate nothing else either, chmod is cosmetic
		}
	}
	return nil
}

func randSuffix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "0"
	}
	return hex.EncodeToString(buf)
}
