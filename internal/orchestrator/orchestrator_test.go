package orchestrator

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/affinity"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/kvstore"
	"github.com/codexgate/cliproxy/internal/quotastore"
	"github.com/codexgate/cliproxy/internal/selector"
)

func newTestOrchestrator(t *testing.T, now time.Time, accounts []*account.Account, transport Transport) (*Orchestrator, *account.Store) {
	t.Helper()
	kv := kvstore.New()
	dir := t.TempDir()
	store := account.NewStore(kv, filepath.Join(dir, "auth.json"), "codex")
	if err := store.Save(context.Background(), account.AuthFile{"codex": &account.Domain{Strategy: account.StrategyRoundRobin, Accounts: accounts}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	aff, err := affinity.New(kv, filepath.Join(dir, "session-affinity.json"))
	if err != nil {
		t.Fatalf("affinity.New() error = %v", err)
	}
	snaps := quotastore.New(kv, filepath.Join(dir, "snapshots.json"))

	o := New()
	o.Accounts = store
	o.Selector = selector.New(aff, 0)
	o.Snapshots = snaps
	o.Transport = transport
	o.Clock = clockid.NewFrozenClock(now)
	o.MaxAttempts = 3
	return o, store
}

func newReq(sessionKey string) *Request {
	return &Request{
		Method:  "POST",
		URL:     "https://chatgpt.com/backend-api/codex/responses",
		Headers: http.Header{},
		Body:    []byte(`{}`),
		Mode:    account.ModeCodex,
		Strategy: account.StrategyRoundRobin,
		SessionKey: sessionKey,
	}
}

func jsonResponse(status int, headers http.Header, body string) *http.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     headers,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestExecuteS1FailoverToSecondAccount(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	accounts := []*account.Account{
		{IdentityKey: "A", Access: "a-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
		{IdentityKey: "B", Access: "b-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
	}

	var calls int32
	transport := TransportFunc(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			if got := req.Header.Get("Authorization"); got != "Bearer a-token" {
				t.Errorf("first call Authorization = %q", got)
			}
			h := http.Header{}
			h.Set("Retry-After", "10")
			return jsonResponse(http.StatusTooManyRequests, h, `{}`), nil
		}
		if got := req.Header.Get("Authorization"); got != "Bearer b-token" {
			t.Errorf("second call Authorization = %q, want Bearer b-token", got)
		}
		return jsonResponse(http.StatusOK, nil, `{"ok":true}`), nil
	})

	o, store := newTestOrchestrator(t, now, accounts, transport)
	resp := o.Execute(context.Background(), newReq("ses1"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200; body=%s", resp.StatusCode, resp.Body)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	accts, _ := store.List(context.Background(), account.ModeCodex)
	var a *account.Account
	for _, acc := range accts {
		if acc.IdentityKey == "A" {
			a = acc
		}
	}
	if a.CooldownUntil != account.NowMs(now)+10_000 {
		t.Fatalf("CooldownUntil = %d, want now+10000", a.CooldownUntil)
	}
}

func TestExecuteS2FallbackBackoffWithoutRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_100, 0)
	accounts := []*account.Account{
		{IdentityKey: "A", Access: "a-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
		{IdentityKey: "B", Access: "b-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
	}

	var calls int32
	transport := TransportFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return jsonResponse(http.StatusTooManyRequests, nil, `{}`), nil
		}
		return jsonResponse(http.StatusOK, nil, `{}`), nil
	})

	o, store := newTestOrchestrator(t, now, accounts, transport)
	resp := o.Execute(context.Background(), newReq("ses2"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}

	accts, _ := store.List(context.Background(), account.ModeCodex)
	for _, acc := range accts {
		if acc.IdentityKey == "A" && acc.CooldownUntil != account.NowMs(now)+5000 {
			t.Fatalf("CooldownUntil = %d, want now+5000", acc.CooldownUntil)
		}
	}
}

func TestExecuteS3ExhaustionReturnsSyntheticRateLimited(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_200, 0)
	accounts := []*account.Account{
		{IdentityKey: "A", Access: "a-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
	}

	transport := TransportFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, nil, `{}`), nil
	})

	o, _ := newTestOrchestrator(t, now, accounts, transport)
	o.MaxAttempts = 3
	resp := o.Execute(context.Background(), newReq("ses3"))

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("StatusCode = %d, want 429", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "all_accounts_rate_limited") {
		t.Fatalf("Body = %s, want all_accounts_rate_limited", resp.Body)
	}
}

func TestExecuteNoAccountsConfigured(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_300, 0)
	o, _ := newTestOrchestrator(t, now, nil, TransportFunc(func(req *http.Request) (*http.Response, error) {
		t.Fatalf("transport should not be called with an empty pool")
		return nil, nil
	}))

	resp := o.Execute(context.Background(), newReq(""))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want 401", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "no_accounts_configured") {
		t.Fatalf("Body = %s, want no_accounts_configured", resp.Body)
	}
}

func TestExecuteHostGuardRejectsDisallowedHost(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_400, 0)
	called := false
	o, _ := newTestOrchestrator(t, now, nil, TransportFunc(func(req *http.Request) (*http.Response, error) {
		called = true
		return jsonResponse(http.StatusOK, nil, `{}`), nil
	}))

	req := newReq("")
	req.URL = "https://example.com/anything"
	resp := o.Execute(context.Background(), req)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if called {
		t.Fatalf("transport was called despite disallowed host")
	}
	if !strings.Contains(string(resp.Body), "disallowed_outbound_host") {
		t.Fatalf("Body = %s, want disallowed_outbound_host", resp.Body)
	}
}

func TestClampMaxAttemptsBoundaries(t *testing.T) {
	t.Parallel()
	if got := ClampMaxAttempts(0); got != 1 {
		t.Fatalf("ClampMaxAttempts(0) = %d, want 1", got)
	}
	if got := ClampMaxAttempts(-5); got != 1 {
		t.Fatalf("ClampMaxAttempts(-5) = %d, want 1", got)
	}
	nan := 0.0
	nan = nan / nan
	if got := ClampMaxAttempts(nan); got != 3 {
		t.Fatalf("ClampMaxAttempts(NaN) = %d, want 3", got)
	}
	inf := 1.0
	inf = inf / 0
	if got := ClampMaxAttempts(inf); got != 3 {
		t.Fatalf("ClampMaxAttempts(Inf) = %d, want 3", got)
	}
}

func TestMaxAttemptsZeroIsExactlyOneAttempt(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_500, 0)
	accounts := []*account.Account{
		{IdentityKey: "A", Access: "a-token", AuthTypes: []account.AuthMode{account.ModeCodex}, ExpiresAt: account.NowMs(now) + 3600_000},
	}
	var calls int32
	transport := TransportFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(http.StatusTooManyRequests, nil, `{}`), nil
	})

	o, _ := newTestOrchestrator(t, now, accounts, transport)
	o.MaxAttempts = 0
	o.Execute(context.Background(), newReq(""))

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}
