package transform

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestNormalizeHeadersSpoofModeSetsOriginatorAndUA(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("OpenAI-Beta", "true")
	identity := ClientIdentity{Program: "codex_cli_rs", PluginVersion: "1.0.0", Platform: "darwin", Arch: "arm64", TerminalDescriptor: "iterm"}

	result := NormalizeHeaders(h, identity, true)
	if !result.Changed {
		t.Fatalf("Changed = false, want true")
	}
	if h.Get("originator") != "codex_cli_rs" {
		t.Fatalf("originator = %q", h.Get("originator"))
	}
	if h.Get("OpenAI-Beta") != "" {
		t.Fatalf("OpenAI-Beta not removed")
	}
	if !strings.Contains(h.Get("user-agent"), "codex_cli_rs/1.0.0") {
		t.Fatalf("user-agent = %q", h.Get("user-agent"))
	}
}

func TestNormalizeHeadersNativeModePreservesUA(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("user-agent", "my-custom-agent/2.0")
	identity := ClientIdentity{Program: "codex_cli_rs"}

	NormalizeHeaders(h, identity, false)
	if h.Get("user-agent") != "my-custom-agent/2.0" {
		t.Fatalf("user-agent = %q, want preserved", h.Get("user-agent"))
	}
}

func TestDeveloperRoleRemapSkipsPermissionMessage(t *testing.T) {
	t.Parallel()
	body := []byte(`{"input":[{"role":"developer","content":"<permissions instructions> do X"},{"role":"developer","content":"just regular instructions"}]}`)

	next, result := DeveloperRoleRemap(body)
	if !result.Changed {
		t.Fatalf("Changed = false, want true")
	}
	if gjson.GetBytes(next, "input.0.role").String() != "developer" {
		t.Fatalf("permission message role changed unexpectedly")
	}
	if gjson.GetBytes(next, "input.1.role").String() != "user" {
		t.Fatalf("non-permission developer message not remapped")
	}
}

func TestReasoningReplayStripRemovesReasoningItems(t *testing.T) {
	t.Parallel()
	body := []byte(`{"input":[{"type":"reasoning","id":"r1"},{"type":"message","role":"user","content":"hi"}]}`)

	next, result := ReasoningReplayStrip(body)
	if !result.Changed {
		t.Fatalf("Changed = false, want true")
	}
	arr := gjson.GetBytes(next, "input").Array()
	if len(arr) != 1 {
		t.Fatalf("len(input) = %d, want 1", len(arr))
	}
	if arr[0].Get("type").String() != "message" {
		t.Fatalf("remaining item = %v, want message", arr[0].Raw)
	}
}

func TestCompatSanitizerRewritesOrphanToolOutput(t *testing.T) {
	t.Parallel()
	body := []byte(`{"input":[{"type":"tool_output","output":"42"}]}`)

	next, result := CompatSanitizer(body)
	if !result.Changed {
		t.Fatalf("Changed = false, want true")
	}
	if gjson.GetBytes(next, "input.0.role").String() != "assistant" {
		t.Fatalf("role = %q, want assistant", gjson.GetBytes(next, "input.0.role").String())
	}
	if gjson.GetBytes(next, "input.0.content.0.text").String() != "42" {
		t.Fatalf("text = %q, want 42", gjson.GetBytes(next, "input.0.content.0.text").String())
	}
}

func TestCompatSanitizerLeavesToolOutputWithCallIDAlone(t *testing.T) {
	t.Parallel()
	body := []byte(`{"input":[{"type":"tool_output","call_id":"c1","output":"42"}]}`)

	_, result := CompatSanitizer(body)
	if result.Changed {
		t.Fatalf("Changed = true, want false (has call_id)")
	}
}

func TestPromptCacheKeyOverrideOnlyForProjectStrategy(t *testing.T) {
	t.Parallel()
	body := []byte(`{"prompt_cache_key":"old"}`)

	next, result := PromptCacheKeyOverride(body, "default", "1", "proj", "codex", "/a/b")
	if result.Changed {
		t.Fatalf("Changed = true, want false for non-project strategy")
	}
	if string(next) != string(body) {
		t.Fatalf("body mutated despite non-project strategy")
	}

	next, result = PromptCacheKeyOverride(body, "project", "1", "proj", "codex", "/a/b")
	if !result.Changed {
		t.Fatalf("Changed = false, want true for project strategy")
	}
	key := gjson.GetBytes(next, "prompt_cache_key").String()
	if !strings.HasPrefix(key, "ocpk_v1_") {
		t.Fatalf("prompt_cache_key = %q, want ocpk_v1_ prefix", key)
	}
}

func TestPipelineIsIdempotentAcrossRemapAndStrip(t *testing.T) {
	t.Parallel()
	body := []byte(`{"input":[{"role":"developer","content":"be nice"},{"type":"reasoning","id":"r1"}]}`)

	once, _ := DeveloperRoleRemap(body)
	once, _ = ReasoningReplayStrip(once)

	twice, _ := DeveloperRoleRemap(once)
	twice, _ = ReasoningReplayStrip(twice)

	if string(once) != string(twice) {
		t.Fatalf("pipeline not idempotent:\nonce=%s\ntwice=%s", once, twice)
	}
}
