// Package transform implements the outbound request transform pipeline
// (§4.8): ordered, best-effort phases that rewrite the JSON body in place
// using gjson/sjson, exactly the teacher's codex_openai-responses_request.go
// technique (read via gjson.Get, patch via sjson.Set, never a full
// unmarshal/marshal round trip), generalized from a single hard-coded
// conversion into a pipeline of independently testable phases.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PhaseResult reports whether a phase mutated the body and why, used only
// for debug snapshots; no phase ever panics on malformed input.
type PhaseResult struct {
	Changed bool
	Reason  string
}

// CatalogModel is the minimal shape read from modelCatalog.fetch (§6.4), an
// optional external collaborator.
type CatalogModel struct {
	Slug               string
	InstructionTemplate string
	BaseInstructions    string
}

const toolingCompatBlock = "\n\n## Tooling Compatibility\nThis environment mediates tool calls through a compatibility shim.\n"

const permissionMarker1 = "<permissions instructions>"
const permissionMarker2 = "sandbox policy"

// InstructionOverride is phase 2: resolves the catalog entry for the
// request's model (effort-suffix stripped), renders its instruction
// template against a resolved personality string, and writes it into
// "instructions" unless the body already carries recognized orchestrator
// instructions (in which case the compatibility block is appended once).
func InstructionOverride(body []byte, model string, catalog []CatalogModel, personality func(string) (string, bool)) ([]byte, PhaseResult) {
	base := stripEffortSuffix(model)
	var entry *CatalogModel
	for i := range catalog {
		if catalog[i].Slug == base {
			entry = &catalog[i]
			break
		}
	}
	if entry == nil {
		return body, PhaseResult{Changed: false, Reason: "no_catalog_entry"}
	}

	existing := gjson.GetBytes(body, "instructions").String()
	if hasOrchestratorMarkers(existing) {
		if strings.Contains(existing, "Tooling Compatibility") {
			return body, PhaseResult{Changed: false, Reason: "instructions_preserved"}
		}
		next, err := sjson.SetBytes(body, "instructions", existing+toolingCompatBlock)
		if err != nil {
			return body, PhaseResult{Changed: false, Reason: "set_failed"}
		}
		return next, PhaseResult{Changed: true, Reason: "tooling_compat_appended"}
	}

	rendered := renderTemplate(entry.InstructionTemplate, personality)
	if rendered == "" {
		rendered = entry.BaseInstructions
		if rendered == "" {
			return body, PhaseResult{Changed: false, Reason: "unresolved_markers_no_fallback"}
		}
	}
	next, err := sjson.SetBytes(body, "instructions", rendered)
	if err != nil {
		return body, PhaseResult{Changed: false, Reason: "set_failed"}
	}
	return next, PhaseResult{Changed: true, Reason: "instructions_rendered"}
}

func stripEffortSuffix(model string) string {
	if idx := strings.IndexByte(model, '('); idx >= 0 && strings.HasSuffix(model, ")") {
		return model[:idx]
	}
	return model
}

func hasOrchestratorMarkers(instructions string) bool {
	return strings.Contains(instructions, "## Tool") || strings.Contains(instructions, "# Instructions")
}

func renderTemplate(template string, personality func(string) (string, bool)) string {
	if template == "" {
		return ""
	}
	rendered := template
	for strings.Contains(rendered, "{{personality}}") {
		text := ""
		if personality != nil {
			if resolved, ok := personality("default"); ok {
				text = resolved
			}
		}
		rendered = strings.Replace(rendered, "{{personality}}", text, 1)
	}
	return collapseBlankRuns(rendered)
}

func collapseBlankRuns(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// DeveloperRoleRemap is phase 3: rewrites the role of non-permission
// developer messages in the "input" array to "user". A permission message
// is detected by case-insensitive substring match on the known markers and
// is left untouched.
func DeveloperRoleRemap(body []byte) ([]byte, PhaseResult) {
	inputResult := gjson.GetBytes(body, "input")
	if !inputResult.IsArray() {
		return body, PhaseResult{Changed: false, Reason: "no_input_array"}
	}

	result := body
	changed := false
	items := inputResult.Array()
	for i := 0; i < len(items); i++ {
		rolePath := fmt.Sprintf("input.%d.role", i)
		if gjson.GetBytes(result, rolePath).String() != "developer" {
			continue
		}
		text := gjson.GetBytes(result, fmt.Sprintf("input.%d.content", i)).String()
		lower := strings.ToLower(text)
		if strings.Contains(lower, permissionMarker1) || strings.Contains(lower, permissionMarker2) {
			continue
		}
		result, _ = sjson.SetBytes(result, rolePath, "user")
		changed = true
	}
	if !changed {
		return body, PhaseResult{Changed: false, Reason: "no_developer_messages"}
	}
	return result, PhaseResult{Changed: true, Reason: "developer_roles_remapped"}
}

// ReasoningReplayStrip is phase 4: drops input items whose "type" begins
// with "reasoning" and, when at least one was dropped, deletes
// reasoning_content fields at any depth of the body. Content parts inside
// assistant messages are not filtered, and reasoning_content is left in
// place when no reasoning item was dropped.
func ReasoningReplayStrip(body []byte) ([]byte, PhaseResult) {
	inputResult := gjson.GetBytes(body, "input")
	if !inputResult.IsArray() {
		return body, PhaseResult{Changed: false, Reason: "no_input_array"}
	}

	items := inputResult.Array()
	keep := make([]gjson.Result, 0, len(items))
	changed := false
	for _, item := range items {
		if strings.HasPrefix(item.Get("type").String(), "reasoning") {
			changed = true
			continue
		}
		keep = append(keep, item)
	}
	if !changed {
		return body, PhaseResult{Changed: false, Reason: "no_reasoning_items"}
	}

	rebuilt := "[]"
	for _, item := range keep {
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", item.Raw)
	}
	next, err := sjson.SetRawBytes(body, "input", []byte(rebuilt))
	if err != nil {
		return body, PhaseResult{Changed: false, Reason: "set_failed"}
	}
	next = scrubReasoningContent(next)
	return next, PhaseResult{Changed: true, Reason: "reasoning_items_stripped"}
}

func scrubReasoningContent(body []byte) []byte {
	var walk func(path string, value gjson.Result)
	result := body
	walk = func(path string, value gjson.Result) {
		if value.IsObject() {
			value.ForEach(func(key, v gjson.Result) bool {
				childPath := path
				if childPath != "" {
					childPath += "."
				}
				childPath += key.String()
				if key.String() == "reasoning_content" {
					result, _ = sjson.DeleteBytes(result, childPath)
					return true
				}
				walk(childPath, v)
				return true
			})
		} else if value.IsArray() {
			idx := 0
			value.ForEach(func(_, v gjson.Result) bool {
				walk(fmt.Sprintf("%s.%d", path, idx), v)
				idx++
				return true
			})
		}
	}
	walk("", gjson.ParseBytes(result))
	return result
}

// CompatSanitizer is phase 5: recursively deletes item_reference fields and
// rewrites orphan function_call_output / tool_output / tool_result items
// (missing call_id / tool_call_id) into a plain assistant output_text item.
func CompatSanitizer(body []byte) ([]byte, PhaseResult) {
	result := body
	changed := false

	result, didDelete := deleteFieldEverywhere(result, "item_reference")
	changed = changed || didDelete

	inputResult := gjson.GetBytes(result, "input")
	if inputResult.IsArray() {
		items := inputResult.Array()
		for i := range items {
			typ := items[i].Get("type").String()
			if typ != "function_call_output" && typ != "tool_output" && typ != "tool_result" {
				continue
			}
			hasCallID := items[i].Get("call_id").Exists() || items[i].Get("tool_call_id").Exists()
			if hasCallID {
				continue
			}
			text := items[i].Get("output").String()
			if text == "" {
				text = items[i].Raw
			}
			replacement := map[string]any{
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": text},
				},
			}
			itemPath := fmt.Sprintf("input.%d", i)
			result, _ = sjson.SetBytes(result, itemPath, replacement)
			changed = true
		}
	}

	if !changed {
		return body, PhaseResult{Changed: false, Reason: "nothing_to_sanitize"}
	}
	return result, PhaseResult{Changed: true, Reason: "compat_sanitized"}
}

func deleteFieldEverywhere(body []byte, field string) ([]byte, bool) {
	result := body
	changed := false
	var walk func(path string, value gjson.Result)
	walk = func(path string, value gjson.Result) {
		if value.IsObject() {
			value.ForEach(func(key, v gjson.Result) bool {
				childPath := path
				if childPath != "" {
					childPath += "."
				}
				childPath += key.String()
				if key.String() == field {
					result, _ = sjson.DeleteBytes(result, childPath)
					changed = true
					return true
				}
				walk(childPath, v)
				return true
			})
		} else if value.IsArray() {
			idx := 0
			value.ForEach(func(_, v gjson.Result) bool {
				walk(fmt.Sprintf("%s.%d", path, idx), v)
				idx++
				return true
			})
		}
	}
	walk("", gjson.ParseBytes(result))
	return result, changed
}

// PromptCacheKeyOverride is phase 6: when strategy is "project", replaces
// the body's prompt_cache_key with a stable, path-derived token.
func PromptCacheKeyOverride(body []byte, strategy, version, project, mode, normalizedPath string) ([]byte, PhaseResult) {
	if strategy != "project" {
		return body, PhaseResult{Changed: false, Reason: "strategy_not_project"}
	}
	seed := version + "|" + project + "|" + mode + "|" + normalizedPath
	sum := sha256.Sum256([]byte(seed))
	key := "ocpk_v" + version + "_" + hex.EncodeToString(sum[:])[:24]

	existing := gjson.GetBytes(body, "prompt_cache_key").String()
	if existing == key {
		return body, PhaseResult{Changed: false, Reason: "already_current"}
	}
	next, err := sjson.SetBytes(body, "prompt_cache_key", key)
	if err != nil {
		return body, PhaseResult{Changed: false, Reason: "set_failed"}
	}
	return next, PhaseResult{Changed: true, Reason: "prompt_cache_key_overridden"}
}
