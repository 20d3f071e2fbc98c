// Package quotarefresh implements the quota refresh coordinator (§4.12): a
// bounded-concurrency fetcher that opportunistically and periodically
// refreshes quota snapshots for enabled accounts, single-flighted per
// identity on top of a TTL map so a busy pool doesn't hammer the backend.
//
// Grounded on the oauthrefresh package's lease+singleflight pairing for the
// per-identity dedupe, and on the orchestrator's onSuccessfulAttempt for the
// snapshot-parse-then-evaluate-then-cooldown sequence; bounded fan-out uses
// golang.org/x/sync/errgroup's SetLimit, the idiomatic replacement for a
// hand-rolled worker-pool channel.
package quotarefresh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/oauthrefresh"
	"github.com/codexgate/cliproxy/internal/quota"
	"github.com/codexgate/cliproxy/internal/quotastore"
	"github.com/codexgate/cliproxy/internal/ratelimit"
)

// Transport sends a single already-built HTTP request, matching the shape
// the orchestrator uses for its own outbound calls.
type Transport interface {
	Send(req *http.Request) (*http.Response, error)
}

const (
	defaultConcurrency     = 4
	defaultTTL             = 5 * time.Minute
	defaultFailureCooldown = 2 * time.Minute
	defaultQuotaEndpoint   = "https://chatgpt.com/backend-api/codex/usage"
)

// Coordinator refreshes quota snapshots for a pool of accounts outside the
// request path.
type Coordinator struct {
	Accounts    *account.Store
	Refresher   *oauthrefresh.Refresher
	Snapshots   *quotastore.Store
	Transport   Transport
	Clock       clockid.Clock

	Concurrency     int
	TTL             time.Duration
	FailureCooldown time.Duration
	QuotaEndpoint   string

	mu            sync.Mutex
	nextRefreshAt map[string]time.Time

	quotaMu sync.Mutex
	quotas  map[string]quota.State

	sf singleflight.Group
}

// New constructs a Coordinator with its TTL/quota bookkeeping ready.
func New() *Coordinator {
	return &Coordinator{
		nextRefreshAt: make(map[string]time.Time),
		quotas:        make(map[string]quota.State),
	}
}

// RefreshStale fans out over every account enabled for mode whose TTL has
// elapsed, bounded to Concurrency concurrent refreshes. Individual account
// failures are swallowed (§9 "explicit try/ignore blocks") since this runs
// outside any caller's request path; RefreshStale itself only fails if
// listing the pool fails.
func (c *Coordinator) RefreshStale(ctx context.Context, mode account.AuthMode) error {
	accounts, err := c.Accounts.List(ctx, mode)
	if err != nil {
		return err
	}

	now := c.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency())

	for _, acc := range accounts {
		acc := acc
		if !acc.IsEnabled() || !c.isStale(acc.IdentityKey, now) {
			continue
		}
		group.Go(func() error {
			c.refreshOne(groupCtx, acc)
			return nil
		})
	}
	return group.Wait()
}

// isStale reports whether identityKey's next-refresh deadline has passed,
// reserving the slot (bumping nextRefreshAt to now+TTL) so a concurrent
// caller observing the same map does not also queue a refresh.
func (c *Coordinator) isStale(identityKey string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.nextRefreshAt[identityKey]; ok && until.After(now) {
		return false
	}
	c.nextRefreshAt[identityKey] = now.Add(c.ttl())
	return true
}

func (c *Coordinator) markFailure(identityKey string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRefreshAt[identityKey] = now.Add(c.failureCooldown())
}

func (c *Coordinator) refreshOne(ctx context.Context, acc *account.Account) {
	_, _, _ = c.sf.Do(acc.IdentityKey, func() (any, error) {
		c.doRefresh(ctx, acc)
		return nil, nil
	})
}

func (c *Coordinator) doRefresh(ctx context.Context, acc *account.Account) {
	now := c.now()

	fresh := acc
	if c.Refresher != nil {
		result, err := c.Refresher.EnsureFresh(ctx, acc, 60*time.Second)
		if err != nil {
			c.markFailure(acc.IdentityKey, now)
			return
		}
		fresh = result.Account
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(), nil)
	if err != nil {
		c.markFailure(acc.IdentityKey, now)
		return
	}
	req.Header.Set("Authorization", "Bearer "+fresh.Access)
	if fresh.AccountID != "" {
		req.Header.Set("ChatGPT-Account-Id", fresh.AccountID)
	}

	resp, err := c.Transport.Send(req)
	if err != nil {
		c.markFailure(acc.IdentityKey, now)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.markFailure(acc.IdentityKey, now)
		return
	}

	snap := ratelimit.SnapshotFromHeaders(now, "", resp.Header)
	if len(snap.Limits) == 0 {
		return
	}
	if c.Snapshots != nil {
		_ = c.Snapshots.Save(ctx, acc.IdentityKey, snap)
	}

	c.quotaMu.Lock()
	prior := c.quotas[acc.IdentityKey]
	next, crossings := quota.Evaluate(prior, snap, now)
	c.quotas[acc.IdentityKey] = next
	c.quotaMu.Unlock()

	if until, ok := quota.CooldownUntil(next, crossings, now); ok && c.Accounts != nil {
		_ = c.Accounts.SetCooldown(ctx, acc.IdentityKey, account.NowMs(until))
	}
}

func (c *Coordinator) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return defaultConcurrency
}

func (c *Coordinator) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return defaultTTL
}

func (c *Coordinator) failureCooldown() time.Duration {
	if c.FailureCooldown > 0 {
		return c.FailureCooldown
	}
	return defaultFailureCooldown
}

func (c *Coordinator) endpoint() string {
	if c.QuotaEndpoint != "" {
		return c.QuotaEndpoint
	}
	return defaultQuotaEndpoint
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}
