package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxListEntries bounds how many file/match entries render before the
// remainder collapses into a count.
const maxListEntries = 10

// extractToolResult pulls a ToolResult out of a "user" record carrying a
// tool_use_result payload. The matching tool_use_id comes from the first
// content entry.
func extractToolResult(record map[string]any) (*ToolResult, bool) {
	payload, ok := record["tool_use_result"]
	if !ok {
		return nil, false
	}

	result := &ToolResult{}
	if content := contentArray(record); len(content) > 0 {
		if entry, ok := content[0].(map[string]any); ok {
			result.ToolUseID, _ = entry["tool_use_id"].(string)
			if isErr, ok := entry["is_error"].(bool); ok && isErr {
				result.IsError = true
			}
		}
	}

	stdout, stderr, isError := renderPayload(payload)
	result.Stdout = stdout
	result.Stderr = stderr
	result.IsError = result.IsError || isError

	return result, true
}

// renderPayload normalizes the tool_use_result payload shapes the agent
// emits. First matching shape wins.
func renderPayload(payload any) (stdout, stderr string, isError bool) {
	if s, ok := payload.(string); ok {
		return s, "", false
	}

	m, ok := payload.(map[string]any)
	if !ok {
		return compactJSON(payload), "", false
	}

	if v, ok := m["isError"].(bool); ok {
		isError = v
	}

	switch {
	case hasKey(m, "stdout"):
		stdout = stringify(m["stdout"])
		stderr = stringify(m["stderr"])

	case hasKey(m, "file"):
		if file, ok := m["file"].(map[string]any); ok {
			stdout = stringify(file["content"])
		}

	case hasKey(m, "newTodos"):
		oldTodos, _ := m["oldTodos"].([]any)
		newTodos, _ := m["newTodos"].([]any)
		stdout = TodoDiff(oldTodos, newTodos)

	case hasKey(m, "files"):
		if files, ok := m["files"].([]any); ok {
			stdout = joinTruncated(stringifyAll(files))
		}

	case hasKey(m, "matches"):
		if matches, ok := m["matches"].([]any); ok {
			entries := make([]string, 0, len(matches))
			for _, match := range matches {
				entries = append(entries, formatMatch(match))
			}
			stdout = joinTruncated(entries)
		}

	case hasKey(m, "content"):
		stdout = stringify(m["content"])
	case hasKey(m, "output"):
		stdout = stringify(m["output"])
	case hasKey(m, "result"):
		stdout = stringify(m["result"])
	case hasKey(m, "text"):
		stdout = stringify(m["text"])

	default:
		stdout = renderUnknown(m)
	}

	return stdout, stderr, isError
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// stringify normalizes scalar or block-array values into text. Arrays of
// content blocks concatenate their text fields.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		var sb strings.Builder
		for _, item := range val {
			switch block := item.(type) {
			case string:
				sb.WriteString(block)
			case map[string]any:
				if text, ok := block["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return compactJSON(v)
	}
}

func stringifyAll(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, stringify(item))
	}
	return out
}

// joinTruncated joins the first maxListEntries entries, collapsing the rest
// into a trailing count.
func joinTruncated(entries []string) string {
	if len(entries) > maxListEntries {
		extra := len(entries) - maxListEntries
		entries = append(entries[:maxListEntries:maxListEntries], fmt.Sprintf("… and %d more", extra))
	}
	return strings.Join(entries, "\n")
}

// formatMatch renders one search match as path:line when possible.
func formatMatch(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case map[string]any:
		path, _ := m["path"].(string)
		if path == "" {
			path, _ = m["file"].(string)
		}
		if path != "" {
			if line, ok := m["line_number"].(float64); ok {
				return fmt.Sprintf("%s:%d", path, int(line))
			}
			return path
		}
	}
	return compactJSON(v)
}

// renderUnknown falls back to compact JSON, dropping bookkeeping keys.
func renderUnknown(m map[string]any) string {
	clean := make(map[string]any, len(m))
	for k, v := range m {
		if k == "isError" || k == "type" {
			continue
		}
		clean[k] = v
	}
	return compactJSON(clean)
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
