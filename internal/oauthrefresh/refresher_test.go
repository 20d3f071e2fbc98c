package oauthrefresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/kvstore"
)

func newTestRefresher(t *testing.T, tokenURL string, clock clockid.Clock) (*Refresher, *account.Store) {
	t.Helper()
	kv := kvstore.New()
	path := filepath.Join(t.TempDir(), "auth.json")
	store := account.NewStore(kv, path, "codex")

	r := New(store, clock, http.DefaultClient)
	r.endpoint = oauth2.Endpoint{AuthURL: AuthURL, TokenURL: tokenURL}
	return r, store
}

func TestEnsureFreshSkipsUnexpiredToken(t *testing.T) {
	t.Parallel()
	clock := clockid.NewFrozenClock(time.Unix(1000, 0))
	r, store := newTestRefresher(t, "http://unused.invalid", clock)
	ctx := context.Background()

	acc := &account.Account{IdentityKey: "k1", Access: "still-good", ExpiresAt: account.NowMs(clock.Now()) + 10*time.Minute.Milliseconds()}
	if err := store.Save(ctx, account.AuthFile{"codex": {Accounts: []*account.Account{acc}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result, err := r.EnsureFresh(ctx, acc, time.Minute)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if result.Account.Access != "still-good" {
		t.Fatalf("Access = %q, want unchanged", result.Account.Access)
	}
}

func TestEnsureFreshRefreshesExpiredTokenAndPersists(t *testing.T) {
	t.Parallel()
	now := time.Unix(2000, 0)
	clock := clockid.NewFrozenClock(now)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseForm()
		if req.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("refresh_token = %q, want old-refresh", req.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	r, store := newTestRefresher(t, srv.URL, clock)
	ctx := context.Background()

	acc := &account.Account{IdentityKey: "k1", Access: "stale", Refresh: "old-refresh", ExpiresAt: account.NowMs(now) - 1000}
	if err := store.Save(ctx, account.AuthFile{"codex": {Accounts: []*account.Account{acc}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result, err := r.EnsureFresh(ctx, acc, time.Minute)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if result.Skipped {
		t.Fatalf("Skipped = true, want false")
	}
	if result.Account.Access != "new-access" || result.Account.Refresh != "new-refresh" {
		t.Fatalf("Account = %+v, want refreshed tokens", result.Account)
	}

	accounts, err := store.List(ctx, account.ModeNative)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if accounts[0].Access != "new-access" {
		t.Fatalf("persisted Access = %q, want new-access", accounts[0].Access)
	}
	if accounts[0].RefreshLeaseUntil != 0 {
		t.Fatalf("RefreshLeaseUntil = %d, want cleared", accounts[0].RefreshLeaseUntil)
	}
}

func TestEnsureFreshSkipsWhenLeaseAlreadyHeld(t *testing.T) {
	t.Parallel()
	now := time.Unix(3000, 0)
	clock := clockid.NewFrozenClock(now)
	r, store := newTestRefresher(t, "http://unused.invalid", clock)
	ctx := context.Background()

	acc := &account.Account{IdentityKey: "k1", ExpiresAt: account.NowMs(now) - 1000, RefreshLeaseUntil: account.NowMs(now) + 10_000}
	if err := store.Save(ctx, account.AuthFile{"codex": {Accounts: []*account.Account{acc}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result, err := r.EnsureFresh(ctx, acc, time.Minute)
	if err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if !result.Skipped {
		t.Fatalf("Skipped = false, want true (lease held by another caller)")
	}
}

func TestEnsureFreshTranslatesInvalidGrant(t *testing.T) {
	t.Parallel()
	now := time.Unix(4000, 0)
	clock := clockid.NewFrozenClock(now)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token expired",
		})
	}))
	defer srv.Close()

	r, store := newTestRefresher(t, srv.URL, clock)
	ctx := context.Background()

	acc := &account.Account{IdentityKey: "k1", Refresh: "dead-refresh", ExpiresAt: account.NowMs(now) - 1000}
	if err := store.Save(ctx, account.AuthFile{"codex": {Accounts: []*account.Account{acc}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err := r.EnsureFresh(ctx, acc, time.Minute)
	if err == nil {
		t.Fatalf("EnsureFresh() error = nil, want refresh_invalid_grant")
	}
	synthErr, ok := err.(interface{ StatusCode() int })
	if !ok || synthErr.StatusCode() != http.StatusUnauthorized {
		t.Fatalf("error = %v, want a synthetic 401", err)
	}

	accounts, listErr := store.List(ctx, account.ModeNative)
	if listErr != nil {
		t.Fatalf("List() error = %v", listErr)
	}
	if accounts[0].RefreshLeaseUntil != 0 {
		t.Fatalf("RefreshLeaseUntil = %d, want cleared on failure", accounts[0].RefreshLeaseUntil)
	}
	if accounts[0].CooldownUntil <= account.NowMs(now) {
		t.Fatalf("CooldownUntil = %d, want set in the future", accounts[0].CooldownUntil)
	}
}
