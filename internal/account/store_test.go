package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/codexgate/cliproxy/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := kvstore.New()
	path := filepath.Join(t.TempDir(), "auth.json")
	return NewStore(kv, path, "codex")
}

func TestUpdateAccountRoundTrips(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	file := AuthFile{
		"codex": {
			Strategy: StrategyRoundRobin,
			Accounts: []*Account{{IdentityKey: "a|e@x.com|pro", AuthTypes: []AuthMode{ModeCodex}}},
		},
	}
	if err := s.Save(ctx, file); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := s.SetCooldown(ctx, "a|e@x.com|pro", 12345); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}

	accounts, err := s.List(ctx, ModeCodex)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("len(accounts) = %d, want 1", len(accounts))
	}
	if accounts[0].CooldownUntil != 12345 {
		t.Fatalf("CooldownUntil = %d, want 12345", accounts[0].CooldownUntil)
	}
}

func TestHasModeDefaultsToNativeWhenAuthTypesAbsent(t *testing.T) {
	t.Parallel()
	a := &Account{}
	if !a.HasMode(ModeNative) {
		t.Fatalf("HasMode(native) = false, want true when authTypes absent")
	}
	if a.HasMode(ModeCodex) {
		t.Fatalf("HasMode(codex) = true, want false when authTypes absent")
	}
}

func TestCloneDeepCopiesAttributes(t *testing.T) {
	t.Parallel()
	a := &Account{Attributes: map[string]string{"priority": "10"}}
	clone := a.Clone()
	clone.Attributes["priority"] = "0"
	if a.Attributes["priority"] != "10" {
		t.Fatalf("Clone() mutated source attributes")
	}
}

func TestTryAcquireLeaseWinsWhenNoFutureLease(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, AuthFile{"codex": {Accounts: []*Account{{IdentityKey: "a"}}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ok, err := s.TryAcquireLease(ctx, "a", 1000, 5000)
	if err != nil {
		t.Fatalf("TryAcquireLease() error = %v", err)
	}
	if !ok {
		t.Fatalf("TryAcquireLease() = false, want true")
	}

	accounts, _ := s.List(ctx, ModeNative)
	if accounts[0].RefreshLeaseUntil != 6000 {
		t.Fatalf("RefreshLeaseUntil = %d, want 6000", accounts[0].RefreshLeaseUntil)
	}
}

func TestTryAcquireLeaseLosesWhenFutureLeaseHeld(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, AuthFile{"codex": {Accounts: []*Account{{IdentityKey: "a", RefreshLeaseUntil: 9000}}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ok, err := s.TryAcquireLease(ctx, "a", 1000, 5000)
	if err != nil {
		t.Fatalf("TryAcquireLease() error = %v", err)
	}
	if ok {
		t.Fatalf("TryAcquireLease() = true, want false (lease still held)")
	}

	accounts, _ := s.List(ctx, ModeNative)
	if accounts[0].RefreshLeaseUntil != 9000 {
		t.Fatalf("RefreshLeaseUntil = %d, want unchanged 9000", accounts[0].RefreshLeaseUntil)
	}
}

func TestReleaseLeaseClearsLease(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, AuthFile{"codex": {Accounts: []*Account{{IdentityKey: "a", RefreshLeaseUntil: 9000}}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.ReleaseLease(ctx, "a"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	accounts, _ := s.List(ctx, ModeNative)
	if accounts[0].RefreshLeaseUntil != 0 {
		t.Fatalf("RefreshLeaseUntil = %d, want 0", accounts[0].RefreshLeaseUntil)
	}
}

func TestUpdateAccountUnknownKeyReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, AuthFile{"codex": {Accounts: []*Account{{IdentityKey: "a"}}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	err := s.SetCooldown(ctx, "missing", 1)
	if err != kvstore.ErrNotFound {
		t.Fatalf("SetCooldown() error = %v, want ErrNotFound", err)
	}
}
