package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/hostguard"
	"github.com/codexgate/cliproxy/internal/oauthrefresh"
	"github.com/codexgate/cliproxy/internal/quota"
	"github.com/codexgate/cliproxy/internal/quotastore"
	"github.com/codexgate/cliproxy/internal/ratelimit"
	"github.com/codexgate/cliproxy/internal/selector"
	"github.com/codexgate/cliproxy/internal/synthetic"
	"github.com/codexgate/cliproxy/internal/transform"
)

const defaultMaxResponseBody = 32 << 20 // 32MiB; non-streaming bodies only (§1 Non-goals).

// Transport sends one already-built HTTP request and returns the raw
// response. The production implementation wraps a utls-fingerprinted
// client (internal/transport); tests substitute a stub.
type Transport interface {
	Send(req *http.Request) (*http.Response, error)
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(req *http.Request) (*http.Response, error)

func (f TransportFunc) Send(req *http.Request) (*http.Response, error) { return f(req) }

// Orchestrator holds every collaborator the retry loop needs. Hook fields
// are optional best-effort observers (§9 "explicit try/ignore blocks"): a
// nil hook is simply skipped.
type Orchestrator struct {
	Accounts  *account.Store
	Selector  *selector.Selector
	Refresher *oauthrefresh.Refresher
	Snapshots *quotastore.Store
	Transport Transport
	Clock     clockid.Clock

	ClientIdentity transform.ClientIdentity
	Spoof          bool
	MaxAttempts    int
	ExpiryMargin   time.Duration // how far ahead of expiry EnsureFresh proactively refreshes

	OnAttemptRequest  func(*http.Request)
	OnAttemptResponse func(*http.Response)
	OnSessionObserved func(sessionKey string)
	ToastSink         func(message, variant string, quiet bool)
	MaybeRefreshQuota func(ctx context.Context, identityKey string)

	mu      sync.Mutex
	toasts  *toastDedupe
	quotaMu sync.Mutex
	quotas  map[string]quota.State
}

// New constructs an Orchestrator with its dedupe/quota bookkeeping ready.
func New() *Orchestrator {
	return &Orchestrator{
		toasts: newToastDedupe(),
		quotas: make(map[string]quota.State),
	}
}

// Execute runs the retry loop in §4.11 and always returns a Response.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) *Response {
	now := o.now()
	rewritten, guardErr := hostguard.RewriteAndGuard(req.URL)
	if guardErr != nil {
		return syntheticResponse(guardErr)
	}

	body, headers := o.transform(req, now)

	if o.OnSessionObserved != nil && req.SessionKey != "" {
		o.OnSessionObserved(req.SessionKey)
	}

	maxAttempts := o.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var previousStatus int
	var previousAccountKey string
	var lastRetryAfterMs int64
	var haveRetryAfter bool

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return syntheticResponse(synthetic.RequestCancelled())
		}
		now = o.now()

		auth, trace, synthErr := o.acquire(ctx, req, now)
		if synthErr != nil {
			// Once an earlier attempt drew a 429, running out of accounts
			// outside cooldown ends the loop as rate-limited.
			if attempt > 0 && previousStatus == http.StatusTooManyRequests && synthErr.Type == "all_accounts_cooling_down" {
				break
			}
			return syntheticResponse(synthErr)
		}

		reasonCode := "initial_attempt"
		if attempt > 0 {
			if previousStatus == http.StatusTooManyRequests && previousAccountKey != auth.IdentityKey {
				reasonCode = "retry_switched_account_after_429"
			} else {
				reasonCode = "retry_same_account_after_429"
			}
		}
		o.maybeEmitToast("session:"+req.SessionKey, "account_switch", reasonCode, now)
		if attempt == 0 && req.SessionKey != "" && (trace.Decision == "sticky_hit" || trace.Decision == "hybrid_hit") {
			o.maybeEmitToast("session:resume:"+req.SessionKey, "session_resume", "session_resumed", now)
		}

		outboundHeaders := headers.Clone()
		outboundHeaders.Set("Authorization", "Bearer "+auth.Access)
		if auth.AccountID != "" {
			outboundHeaders.Set("ChatGPT-Account-Id", auth.AccountID)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, rewritten.String(), bytes.NewReader(body))
		if err != nil {
			return syntheticResponse(synthetic.PluginFetchFailed(err))
		}
		httpReq.Header = outboundHeaders

		if o.OnAttemptRequest != nil {
			o.OnAttemptRequest(httpReq)
		}

		resp, sendErr := o.send(httpReq)
		if sendErr != nil {
			if se, ok := sendErr.(*synthetic.Error); ok {
				return syntheticResponse(se)
			}
			return syntheticResponse(synthetic.PluginFetchFailed(sendErr))
		}
		if o.OnAttemptResponse != nil {
			o.OnAttemptResponse(resp)
		}

		respBody, readErr := readLimited(resp.Body, defaultMaxResponseBody)
		_ = resp.Body.Close()
		if readErr != nil {
			return syntheticResponse(synthetic.PluginFetchFailed(readErr))
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			o.onSuccessfulAttempt(ctx, auth.IdentityKey, resp.Header, now)
			return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: respBody}
		}

		retryAfterMs, ok := ratelimit.ParseRetryAfterMs(resp.Header, now)
		if ok {
			lastRetryAfterMs, haveRetryAfter = retryAfterMs, true
		} else {
			retryAfterMs = computeBackoff(attempt, 5000, 5000, 0)
		}
		_ = o.Accounts.SetCooldown(ctx, auth.IdentityKey, account.NowMs(now)+retryAfterMs)

		previousStatus = http.StatusTooManyRequests
		previousAccountKey = auth.IdentityKey
		o.maybeEmitToast("rate-limit-switch:"+auth.IdentityKey, "rate_limit", "cooldown_set", now)
	}

	wait := ""
	if haveRetryAfter {
		wait = synthetic.FormatWait(lastRetryAfterMs)
	}
	return syntheticResponse(synthetic.AllAccountsRateLimited(wait))
}

// acquire implements the "auth := selector.acquire(...)" step: list the
// pool, pick per strategy, and ensure the picked account's token is fresh,
// translating selector/refresher failures into the synthetic taxonomy.
func (o *Orchestrator) acquire(ctx context.Context, req *Request, now time.Time) (*account.Account, account.SelectionTrace, *synthetic.Error) {
	accounts, err := o.Accounts.List(ctx, req.Mode)
	if err != nil {
		return nil, account.SelectionTrace{}, synthetic.PluginFetchFailed(err)
	}
	if len(accounts) == 0 {
		return nil, account.SelectionTrace{}, synthetic.NoAccountsConfigured()
	}

	picked, trace, pickErr := o.Selector.Pick(ctx, req.Mode, req.Strategy, req.SessionKey, req.Subagent, now, accounts)
	if pickErr != nil {
		var noEligible *selector.NoEligibleError
		if errors.As(pickErr, &noEligible) {
			if noEligible.Classification == selector.AllDisabled {
				return nil, trace, synthetic.NoAccountsConfigured()
			}
			wait := ""
			if !noEligible.EarliestReady.IsZero() && noEligible.EarliestReady.After(now) {
				wait = synthetic.FormatWait(noEligible.EarliestReady.Sub(now).Milliseconds())
			}
			return nil, trace, synthetic.AllAccountsCoolingDown(wait)
		}
		return nil, trace, synthetic.PluginFetchFailed(pickErr)
	}

	if o.Refresher == nil {
		return picked, trace, nil
	}
	result, refreshErr := o.Refresher.EnsureFresh(ctx, picked, o.expiryMargin())
	if refreshErr != nil {
		if se, ok := refreshErr.(*synthetic.Error); ok {
			return nil, trace, se
		}
		return nil, trace, synthetic.PluginFetchFailed(refreshErr)
	}
	return result.Account, trace, nil
}

func (o *Orchestrator) expiryMargin() time.Duration {
	if o.ExpiryMargin > 0 {
		return o.ExpiryMargin
	}
	return 60 * time.Second
}

// transform runs the full §4.8 pipeline once. Each phase is idempotent
// (invariant #6), so running it a single time ahead of the retry loop
// produces the same body every per-attempt invocation would; credentials
// are attached separately, per attempt, after this point.
func (o *Orchestrator) transform(req *Request, now time.Time) ([]byte, http.Header) {
	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	transform.NormalizeHeaders(headers, o.ClientIdentity, o.Spoof)

	body := req.Body
	if len(body) > 0 {
		body, _ = transform.InstructionOverride(body, req.Model, req.Catalog, req.Personality)
		body, _ = transform.DeveloperRoleRemap(body)
		body, _ = transform.ReasoningReplayStrip(body)
		body, _ = transform.CompatSanitizer(body)
		body, _ = transform.PromptCacheKeyOverride(body, req.PromptCacheStrategy, req.PromptCacheVersion, req.PromptCacheProject, string(req.Mode), req.NormalizedPath)
	}
	return body, headers
}

func (o *Orchestrator) send(req *http.Request) (*http.Response, error) {
	if o.Transport == nil {
		return nil, fmt.Errorf("orchestrator: no transport configured")
	}
	return o.Transport.Send(req)
}

func (o *Orchestrator) onSuccessfulAttempt(ctx context.Context, identityKey string, headers http.Header, now time.Time) {
	if o.Snapshots == nil {
		return
	}
	snap := ratelimit.SnapshotFromHeaders(now, "", headers)
	if len(snap.Limits) == 0 {
		return
	}
	_ = o.Snapshots.Save(ctx, identityKey, snap)

	o.quotaMu.Lock()
	prior := o.quotas[identityKey]
	next, crossings := quota.Evaluate(prior, snap, now)
	o.quotas[identityKey] = next
	o.quotaMu.Unlock()

	if until, ok := quota.CooldownUntil(next, crossings, now); ok {
		_ = o.Accounts.SetCooldown(ctx, identityKey, account.NowMs(until))
	}
	if o.MaybeRefreshQuota != nil {
		o.MaybeRefreshQuota(ctx, identityKey)
	}
}

func (o *Orchestrator) maybeEmitToast(key, variant, reasonCode string, now time.Time) {
	if o.ToastSink == nil {
		return
	}
	o.mu.Lock()
	should := o.toasts.shouldEmit(key, now, toastWindow(variant))
	o.mu.Unlock()
	if should {
		o.ToastSink(reasonCode, variant, false)
	}
}

func toastWindow(variant string) time.Duration {
	switch variant {
	case "rate_limit":
		return 60 * time.Second
	default:
		return 15 * time.Second
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

// computeBackoff is the orchestrator's fallback cooldown when a 429 carries
// no Retry-After header: exponential in attempt, capped at max. With the
// default base==max==5000 and jitter==0 this degenerates to a flat 5s, per
// spec §4.11's S2 scenario.
func computeBackoff(attempt int, base, max, jitterMs int64) int64 {
	backoff := base
	for i := 0; i < attempt && backoff < max; i++ {
		backoff *= 2
	}
	if backoff > max {
		backoff = max
	}
	return backoff + jitterMs
}

func syntheticResponse(e *synthetic.Error) *Response {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &Response{StatusCode: e.StatusCode(), Headers: headers, Body: e.Body()}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}
