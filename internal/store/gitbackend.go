// Package store implements the pluggable remote-sync backends a kvstore.Store
// can be wired to: git, PostgreSQL, and S3-compatible object storage. Each
// backend satisfies kvstore.Backend and treats the local file kvstore already
// writes atomically as the source of truth, pushing it out after every save
// and pulling it down to seed the local mirror when the local copy is
// missing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	githttp "github.com/go-git/go-git/v6/plumbing/transport/http"
)

const gcInterval = 5 * time.Minute

// GitBackend mirrors kvstore paths into a git repository, committing and
// pushing on every Push and pulling the latest commit on every Pull. History
// is squashed to a single commit before each push so the repository never
// accumulates an unbounded log of snapshot diffs.
type GitBackend struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	lastGC   time.Time
}

// NewGitBackend prepares a backend that mirrors into repoDir, cloning or
// initializing it against remote on first use. username/password authenticate
// over HTTP(S); leave both empty for an unauthenticated remote (e.g. a local
// bare repo used in tests).
func NewGitBackend(repoDir, remote, username, password string) *GitBackend {
	return &GitBackend{repoDir: repoDir, remote: remote, username: username, password: password}
}

func (b *GitBackend) gitAuth() transport.AuthMethod {
	if b.username == "" && b.password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: b.username, Password: b.password}
}

func (b *GitBackend) ensureRepo() (*git.Repository, error) {
	gitDir := filepath.Join(b.repoDir, ".git")
	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(b.repoDir, 0o700); err != nil {
			return nil, fmt.Errorf("git backend: create repo dir: %w", err)
		}
		if b.remote == "" {
			return git.PlainInit(b.repoDir, false)
		}
		repo, err := git.PlainClone(b.repoDir, &git.CloneOptions{Auth: b.gitAuth(), URL: b.remote})
		if err != nil {
			if errors.Is(err, transport.ErrEmptyRemoteRepository) {
				repo, err = git.PlainInit(b.repoDir, false)
				if err != nil {
					return nil, fmt.Errorf("git backend: init empty repo: %w", err)
				}
				if _, errRemote := repo.Remote("origin"); errRemote != nil {
					if _, errCreate := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{b.remote}}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
						return nil, fmt.Errorf("git backend: configure remote: %w", errCreate)
					}
				}
				return repo, nil
			}
			return nil, fmt.Errorf("git backend: clone remote: %w", err)
		}
		return repo, nil
	} else if err != nil {
		return nil, fmt.Errorf("git backend: stat repo: %w", err)
	}
	return git.PlainOpen(b.repoDir)
}

// Pull fetches the latest commit from origin and reads path (relative to
// repoDir) from the resulting worktree.
func (b *GitBackend) Pull(_ context.Context, path string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	repo, err := b.ensureRepo()
	if err != nil {
		return nil, false, err
	}
	if b.remote != "" {
		worktree, err := repo.Worktree()
		if err != nil {
			return nil, false, fmt.Errorf("git backend: worktree: %w", err)
		}
		if err := worktree.Pull(&git.PullOptions{Auth: b.gitAuth(), RemoteName: "origin"}); err != nil {
			switch {
			case errors.Is(err, git.NoErrAlreadyUpToDate),
				errors.Is(err, git.ErrUnstagedChanges),
				errors.Is(err, git.ErrNonFastForwardUpdate),
				errors.Is(err, transport.ErrAuthenticationRequired),
				errors.Is(err, plumbing.ErrReferenceNotFound),
				errors.Is(err, transport.ErrEmptyRemoteRepository):
				// clean sync, local edits, divergence, or an empty remote: nothing to pull
			default:
				return nil, false, fmt.Errorf("git backend: pull: %w", err)
			}
		}
	}

	rel, err := b.relPath(path)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(filepath.Join(b.repoDir, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Push writes data under repoDir at path's relative name, commits it as a
// single squashed commit, and pushes to origin.
func (b *GitBackend) Push(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ensureRepo(); err != nil {
		return err
	}
	rel, err := b.relPath(path)
	if err != nil {
		return err
	}
	full := filepath.Join(b.repoDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("git backend: create parent dir: %w", err)
	}
	if existing, err := os.ReadFile(full); err == nil && jsonEqual(existing, data) {
		return nil
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("git backend: write %s: %w", rel, err)
	}
	return b.commitAndPush(rel)
}

func (b *GitBackend) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(b.repoDir, abs)
	if err != nil {
		return filepath.Base(abs), nil
	}
	return rel, nil
}

func (b *GitBackend) commitAndPush(rel string) error {
	repo, err := git.PlainOpen(b.repoDir)
	if err != nil {
		return fmt.Errorf("git backend: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git backend: worktree: %w", err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return fmt.Errorf("git backend: add %s: %w", rel, err)
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git backend: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	signature := &object.Signature{Name: "cliproxy", Email: "cliproxy@local", When: time.Now()}
	message := "update " + rel
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git backend: commit: %w", err)
	}
	if headRef, err := repo.Head(); err == nil {
		if err := b.squashHead(repo, headRef.Name(), commitHash, message, signature); err != nil {
			return err
		}
	}
	b.maybeRunGC(repo)

	if b.remote == "" {
		return nil
	}
	if err := repo.Push(&git.PushOptions{Auth: b.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git backend: push: %w", err)
	}
	return nil
}

// squashHead rewrites the branch tip to a single parentless commit so the
// repository's history never grows beyond one commit per path.
func (b *GitBackend) squashHead(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git backend: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		ParentHashes: nil,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err := squashed.Encode(mem); err != nil {
		return fmt.Errorf("git backend: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git backend: write squashed commit: %w", err)
	}
	return repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash))
}

func (b *GitBackend) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(b.lastGC) < gcInterval {
		return
	}
	b.lastGC = now
	pruneOpts := git.PruneOptions{OnlyObjectsOlderThan: now, Handler: repo.DeleteObject}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}

func jsonEqual(a, b []byte) bool {
	var objA, objB any
	if err := json.Unmarshal(a, &objA); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &objB); err != nil {
		return false
	}
	return deepEqualJSON(objA, objB)
}

func deepEqualJSON(a, b any) bool {
	switch valA := a.(type) {
	case map[string]any:
		valB, ok := b.(map[string]any)
		if !ok || len(valA) != len(valB) {
			return false
		}
		for key, subA := range valA {
			subB, ok1 := valB[key]
			if !ok1 || !deepEqualJSON(subA, subB) {
				return false
			}
		}
		return true
	case []any:
		sliceB, ok := b.([]any)
		if !ok || len(valA) != len(sliceB) {
			return false
		}
		for i := range valA {
			if !deepEqualJSON(valA[i], sliceB[i]) {
				return false
			}
		}
		return true
	case float64:
		valB, ok := b.(float64)
		return ok && valA == valB
	case string:
		valB, ok := b.(string)
		return ok && valA == valB
	case bool:
		valB, ok := b.(bool)
		return ok && valA == valB
	case nil:
		return b == nil
	default:
		return false
	}
}
