package affinity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := kvstore.New()
	s, err := New(kv, filepath.Join(t.TempDir(), "session-affinity.json"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestStickyRoundTripsThroughPersist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	s.ObserveSession(account.ModeCodex, "ses_x", time.Now())
	s.SetSticky(account.ModeCodex, "ses_x", "acct_a")
	if err := s.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	reopened, err := New(s.kv, s.path)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	got, ok := reopened.Sticky(account.ModeCodex, "ses_x")
	if !ok || got != "acct_a" {
		t.Fatalf("Sticky() = (%q, %v), want (acct_a, true)", got, ok)
	}
}

func TestPruneDropsExpiredSessionKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now()

	s.ObserveSession(account.ModeCodex, "ses_old", now.Add(-7*time.Hour))
	s.SetSticky(account.ModeCodex, "ses_old", "acct_a")

	changed := s.Prune(now, nil)
	if !changed {
		t.Fatalf("Prune() changed = false, want true")
	}
	if _, ok := s.Sticky(account.ModeCodex, "ses_old"); ok {
		t.Fatalf("Sticky() still present after TTL prune")
	}
}

func TestPruneDropsMissingSessionAfterGrace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	now := time.Now()

	s.ObserveSession(account.ModeCodex, "ses_gone", now.Add(-10*time.Minute))
	s.SetSticky(account.ModeCodex, "ses_gone", "acct_a")

	changed := s.Prune(now, func(key string) bool { return key == "ses_gone" })
	if !changed {
		t.Fatalf("Prune() changed = false, want true")
	}
	if _, ok := s.Sticky(account.ModeCodex, "ses_gone"); ok {
		t.Fatalf("Sticky() still present after missing-session grace elapsed")
	}
}

func TestEvictionCapsSizeOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	s.maxSize = 2
	base := time.Now()

	for i, key := range []string{"s1", "s2", "s3"} {
		s.ObserveSession(account.ModeCodex, key, base.Add(time.Duration(i)*time.Minute))
		s.SetSticky(account.ModeCodex, key, key)
	}

	if _, ok := s.Sticky(account.ModeCodex, "s1"); ok {
		t.Fatalf("Sticky(s1) still present, want evicted as oldest")
	}
	if _, ok := s.Sticky(account.ModeCodex, "s3"); !ok {
		t.Fatalf("Sticky(s3) missing, want retained as newest")
	}
}

func TestHybridSetAndClear(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	s.SetHybrid(account.ModeCodex, "ses_x", "acct_b")
	if v, ok := s.Hybrid(account.ModeCodex, "ses_x"); !ok || v != "acct_b" {
		t.Fatalf("Hybrid() = (%q, %v)", v, ok)
	}
	s.ClearHybrid(account.ModeCodex, "ses_x")
	if _, ok := s.Hybrid(account.ModeCodex, "ses_x"); ok {
		t.Fatalf("Hybrid() still present after ClearHybrid")
	}
}
