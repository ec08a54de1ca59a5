package providers

import (
	"encoding/json"
	"regexp"
	"strings"
)

var toolCallTagRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// ExtractToolCalls returns the tool calls of a response. When the structured
// list is empty it falls back to parsing <tool_call>{...}</tool_call> tags
// from the content, which some models (qwen3, deepseek distills) emit as
// plain text.
func ExtractToolCalls(resp *ChatResponse) []ToolCall {
	if resp == nil {
		return nil
	}
	if len(resp.ToolCalls) > 0 {
		return resp.ToolCalls
	}
	if !strings.Contains(resp.Content, "<tool_call>") {
		return nil
	}
	var out []ToolCall
	for _, m := range toolCallTagRe.FindAllStringSubmatch(resp.Content, -1) {
		var obj struct {
			Name       string          `json:"name"`
			Arguments  json.RawMessage `json:"arguments"`
			Parameters json.RawMessage `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(m[1]), &obj); err != nil || obj.Name == "" {
			continue
		}
		raw := obj.Arguments
		if len(raw) == 0 {
			raw = obj.Parameters
		}
		out = append(out, ToolCall{Name: obj.Name, Arguments: DecodeArguments(raw)})
	}
	return out
}

// StripToolCallTags removes <tool_call> blocks from content that was parsed
// by ExtractToolCalls, leaving only the surrounding text.
func StripToolCallTags(content string) string {
	if !strings.Contains(content, "<tool_call>") {
		return content
	}
	return strings.TrimSpace(toolCallTagRe.ReplaceAllString(content, ""))
}

// DecodeArguments decodes tool call arguments that may arrive as an object,
// a JSON-encoded string, or nothing at all. Always returns a non-nil map.
func DecodeArguments(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	// Double-encoded: a JSON string containing an object.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		inner := map[string]any{}
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return inner
		}
	}
	return map[string]any{}
}
