// Package oauthrefresh implements the OAuth token lifecycle (§4.6): lease
// acquisition, refresh-token exchange against the upstream token endpoint,
// and atomic persistence of the result, single-flighted per account so that
// only the lease holder ever talks to the network.
//
// Grounded on the teacher's internal/auth/codex/openai_auth.go for the
// endpoint/client constants, generalized
// from a hand-rolled form-POST into golang.org/x/oauth2's refresh-token
// source so the upstream's invalid_grant error is a typed, inspectable
// value instead of a string match on a response body.
package oauthrefresh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/identity"
	"github.com/codexgate/cliproxy/internal/synthetic"
)

// Endpoint constants for the codex OAuth token lifecycle, unchanged from the
// teacher's CodexAuth (auth.openai.com is also on the host guard allowlist).
const (
	AuthURL  = "https://auth.openai.com/oauth/authorize"
	TokenURL = "https://auth.openai.com/oauth/token"
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
)

const (
	defaultLeaseMs           = 30_000
	defaultFailureCooldownMs = 60_000
	defaultRefreshTimeout    = 30 * time.Second
)

// Refresher owns lease acquisition, the actual token exchange, and result
// persistence for a single account.Store.
type Refresher struct {
	store             *account.Store
	clock             clockid.Clock
	httpClient        *http.Client
	leaseMs           int64
	failureCooldownMs int64
	refreshTimeout    time.Duration
	endpoint          oauth2.Endpoint

	sf singleflight.Group
}

// New returns a Refresher over store. httpClient may be nil to use
// http.DefaultClient.
func New(store *account.Store, clock clockid.Clock, httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Refresher{
		store:             store,
		clock:             clock,
		httpClient:        httpClient,
		leaseMs:           defaultLeaseMs,
		failureCooldownMs: defaultFailureCooldownMs,
		refreshTimeout:    defaultRefreshTimeout,
		endpoint:          oauth2.Endpoint{AuthURL: AuthURL, TokenURL: TokenURL},
	}
}

// Result is the outcome of a successful refresh.
type Result struct {
	Account *account.Account
	Skipped bool // true when another caller already held the lease and this call deferred.
}

// EnsureFresh refreshes acc's access token if it is within expiryMargin of
// expiring, single-flighted per identity key both in-process (singleflight)
// and cross-process (the persisted lease). Callers that lose the race
// observe Skipped=true and should re-read the account from the store.
func (r *Refresher) EnsureFresh(ctx context.Context, acc *account.Account, expiryMargin time.Duration) (Result, error) {
	now := r.clock.Now()
	nowMs := account.NowMs(now)
	if acc.ExpiresAt > nowMs+expiryMargin.Milliseconds() {
		return Result{Account: acc}, nil
	}
	if acc.RefreshLeaseUntil > nowMs {
		return Result{Account: acc, Skipped: true}, nil
	}

	v, err, _ := r.sf.Do(acc.IdentityKey, func() (any, error) {
		return r.refreshLocked(ctx, acc, nowMs)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Refresher) refreshLocked(ctx context.Context, acc *account.Account, nowMs int64) (Result, error) {
	acquired, err := r.store.TryAcquireLease(ctx, acc.IdentityKey, nowMs, r.leaseMs)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return Result{Account: acc, Skipped: true}, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, r.refreshTimeout)
	defer cancel()

	token, err := r.exchangeRefreshToken(refreshCtx, acc.Refresh)
	if err != nil {
		r.onFailure(ctx, acc.IdentityKey)
		if isInvalidGrant(err) {
			return Result{}, synthetic.RefreshInvalidGrant()
		}
		return Result{}, synthetic.PluginFetchFailed(err)
	}

	updated := acc.Clone()
	accountID, email, plan, key := identity.ApplyAccessToken(token.AccessToken, acc.AccountID, acc.Email, acc.Plan)
	updated.Access = token.AccessToken
	if token.RefreshToken != "" {
		updated.Refresh = token.RefreshToken
	}
	updated.ExpiresAt = account.NowMs(token.Expiry)
	updated.AccountID = accountID
	updated.Email = email
	updated.Plan = plan
	updated.IdentityKey = key

	if err := r.store.UpdateAccount(ctx, acc.IdentityKey, func(a *account.Account) {
		a.Access = updated.Access
		a.Refresh = updated.Refresh
		a.ExpiresAt = updated.ExpiresAt
		a.AccountID = updated.AccountID
		a.Email = updated.Email
		a.Plan = updated.Plan
		a.IdentityKey = updated.IdentityKey
		a.RefreshLeaseUntil = 0
		a.CooldownUntil = 0
	}); err != nil {
		return Result{}, err
	}
	return Result{Account: updated}, nil
}

func (r *Refresher) onFailure(ctx context.Context, identityKey string) {
	nowMs := account.NowMs(r.clock.Now())
	_ = r.store.UpdateAccount(ctx, identityKey, func(a *account.Account) {
		a.RefreshLeaseUntil = 0
		a.CooldownUntil = nowMs + r.failureCooldownMs
	})
}

func (r *Refresher) exchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	conf := &oauth2.Config{ClientID: ClientID, Endpoint: r.endpoint, Scopes: []string{"openid", "profile", "email"}}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return false
}
