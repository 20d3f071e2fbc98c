// Package orchestrator implements the fetch orchestrator (§4.11), the heart
// of the system: a retry loop that acquires an account, attaches
// credentials, dispatches one attempt through the transform pipeline and
// host guard, classifies the response, imposes cooldowns on 429 signals,
// and retries on another account up to a bounded attempt count. It never
// throws to the caller — every path returns a Response, synthetic or real.
package orchestrator

import (
	"math"
	"net/http"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/transform"
)

// Request is the outbound call the orchestrator dispatches. Execute applies
// URL rewriting and host-guard enforcement (§4.7) and runs the transform
// pipeline once each, before its attempt loop; only the credentials are
// attached per attempt.
type Request struct {
	Method string
	URL    string
	Headers http.Header
	Body    []byte

	SessionKey string
	Subagent   bool
	Mode       account.AuthMode
	Strategy   account.Strategy

	Model               string
	Catalog             []transform.CatalogModel
	Personality         func(variant string) (string, bool)
	PromptCacheStrategy string
	PromptCacheVersion  string
	PromptCacheProject  string
	NormalizedPath      string
}

// Response is the terminal result of one Execute call: either the real
// upstream response or a synthetic error envelope.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ClampMaxAttempts applies the §4.11 boundary rule: clamp to [1, +inf),
// treating NaN/Infinity as 3. Config loaders that parse maxAttempts from a
// float-typed YAML field should route it through this before constructing
// an Orchestrator.
func ClampMaxAttempts(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 3
	}
	if v < 1 {
		return 1
	}
	return int(v)
}
