package transform

import (
	"net/http"
	"strings"
)

// ClientIdentity is the process-wide cache of spoofed-client tokens (§9
// "process-wide caches -> explicit lifetime"): computed once at startup,
// passed by reference into the pipeline.
type ClientIdentity struct {
	Program             string
	PluginVersion       string
	Platform            string
	Arch                string
	TerminalDescriptor  string
}

var removedHeaders = []string{"OpenAI-Beta", "conversation_id", "X-Internal-Collab", "X-Internal-Collab-Token"}

// NormalizeHeaders is phase 1 of the pipeline. In spoof mode it overwrites
// originator/user-agent with the spoofed client tokens unless the caller
// already supplied a recognized originator; in native mode it preserves the
// inbound User-Agent. Internal collaboration headers are always stripped.
func NormalizeHeaders(headers http.Header, identity ClientIdentity, spoof bool) PhaseResult {
	if headers == nil {
		return PhaseResult{Changed: false, Reason: "no_headers"}
	}
	changed := false

	for _, h := range removedHeaders {
		if headers.Get(h) != "" {
			headers.Del(h)
			changed = true
		}
	}

	if spoof {
		if recognized := headers.Get("originator"); recognized == "" || !isRecognizedOriginator(recognized) {
			headers.Set("originator", identity.Program)
			changed = true
		}
		ua := composeUserAgent(identity)
		if headers.Get("user-agent") != ua {
			headers.Set("user-agent", ua)
			changed = true
		}
	} else {
		if ua := headers.Get("user-agent"); ua != "" {
			headers.Set("user-agent", sanitizeASCII(ua))
		}
	}

	if changed {
		return PhaseResult{Changed: true, Reason: "headers_normalized"}
	}
	return PhaseResult{Changed: false, Reason: "headers_already_normalized"}
}

func isRecognizedOriginator(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "codex_cli_rs", "codex_vscode":
		return true
	default:
		return false
	}
}

func composeUserAgent(identity ClientIdentity) string {
	return identity.Program + "/" + identity.PluginVersion + " (" + identity.Platform + "; " + identity.Arch + ") " + identity.TerminalDescriptor
}

func sanitizeASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}
