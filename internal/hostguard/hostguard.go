// Package hostguard enforces the outbound URL policy of §4.7: HTTPS only,
// a fixed host allowlist, and endpoint rewriting onto the spoofed path.
package hostguard

import (
	"net/url"
	"strings"

	"github.com/codexgate/cliproxy/internal/synthetic"
)

var exactAllowlist = map[string]bool{
	"api.openai.com":  true,
	"auth.openai.com": true,
	"chat.openai.com": true,
	"chatgpt.com":     true,
}

var suffixAllowlist = []string{".openai.com", ".chatgpt.com"}

// SpoofedEndpoint is the fixed upstream URL that requests touching
// /v1/responses or /chat/completions are rewritten to.
const SpoofedEndpoint = "https://chatgpt.com/backend-api/codex/responses"

// Rewrite redirects any inbound URL whose path contains /v1/responses or
// /chat/completions to SpoofedEndpoint, leaving other paths unchanged.
func Rewrite(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if strings.Contains(parsed.Path, "/v1/responses") || strings.Contains(parsed.Path, "/chat/completions") {
		return SpoofedEndpoint, nil
	}
	return rawURL, nil
}

// Guard validates the final outbound URL against the HTTPS + host-allowlist
// policy, returning a synthetic error describing which check failed.
func Guard(rawURL string) (*url.URL, *synthetic.Error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, synthetic.DisallowedOutboundHost(rawURL)
	}
	if parsed.Scheme != "https" {
		return nil, synthetic.DisallowedOutboundProtocol(parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if exactAllowlist[host] {
		return parsed, nil
	}
	for _, suffix := range suffixAllowlist {
		if strings.HasSuffix(host, suffix) {
			return parsed, nil
		}
	}
	return nil, synthetic.DisallowedOutboundHost(host)
}

// RewriteAndGuard composes Rewrite then Guard, the two checks the orchestrator
// always runs together before dispatching an attempt.
func RewriteAndGuard(rawURL string) (*url.URL, *synthetic.Error) {
	rewritten, err := Rewrite(rawURL)
	if err != nil {
		return nil, synthetic.DisallowedOutboundHost(rawURL)
	}
	return Guard(rewritten)
}
