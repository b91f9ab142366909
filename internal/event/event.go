// Package event defines the typed events emitted by the agent process and
// the parser that derives them from its newline-delimited JSON output.
package event

import (
	"encoding/json"
)

// Type identifies the kind of a parsed agent event.
type Type string

const (
	TypeSystemInit  Type = "system_init"
	TypeAssistant   Type = "assistant_message"
	TypeToolResult  Type = "tool_result"
	TypeMessageStop Type = "message_stop"
	TypeOpaque      Type = "opaque"
	TypeRawOutput   Type = "raw_output"
)

// Event is a tagged union; exactly the payload matching Type is set.
type Event struct {
	Type       Type
	SystemInit map[string]any
	Assistant  *AssistantMessage
	ToolResult *ToolResult
	Opaque     *Opaque
	Raw        string
}

// ToolUse is one tool invocation inside an assistant turn, in content order.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// AssistantMessage is one model turn: the concatenated text segments plus
// the tool invocations, both preserving content order.
type AssistantMessage struct {
	Text     string
	ToolUses []ToolUse
}

// ToolResult carries the outcome of a tool invocation back-patched onto the
// matching tool call.
type ToolResult struct {
	ToolUseID string
	Stdout    string
	Stderr    string
	IsError   bool
}

// Opaque preserves agent record types the orchestrator does not interpret.
type Opaque struct {
	Kind string
	Data map[string]any
}

// ParseLine converts one line of agent output into an Event. Malformed
// lines never fail: they come back as TypeRawOutput so the stream survives.
func ParseLine(line []byte) Event {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return Event{Type: TypeRawOutput, Raw: string(line)}
	}

	kind, _ := record["type"].(string)
	if kind == "" {
		return Event{Type: TypeRawOutput, Raw: string(line)}
	}

	switch kind {
	case "system":
		return Event{Type: TypeSystemInit, SystemInit: record}

	case "assistant":
		return Event{Type: TypeAssistant, Assistant: parseAssistant(record)}

	case "user":
		if result, ok := extractToolResult(record); ok {
			return Event{Type: TypeToolResult, ToolResult: result}
		}
		return Event{Type: TypeOpaque, Opaque: &Opaque{Kind: kind, Data: record}}

	case "message_stop":
		return Event{Type: TypeMessageStop}

	default:
		return Event{Type: TypeOpaque, Opaque: &Opaque{Kind: kind, Data: record}}
	}
}

// parseAssistant walks the content array, concatenating text segments and
// collecting tool_use entries in order. Content usually nests under
// "message"; a top-level "content" array is accepted too.
func parseAssistant(record map[string]any) *AssistantMessage {
	msg := &AssistantMessage{}

	content := contentArray(record)
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				msg.Text += text
			}
		case "tool_use":
			use := ToolUse{}
			use.ID, _ = block["id"].(string)
			use.Name, _ = block["name"].(string)
			if input, ok := block["input"].(map[string]any); ok {
				use.Input = input
			}
			msg.ToolUses = append(msg.ToolUses, use)
		}
	}

	return msg
}

// contentArray finds the record's content blocks.
func contentArray(record map[string]any) []any {
	if msg, ok := record["message"].(map[string]any); ok {
		if content, ok := msg["content"].([]any); ok {
			return content
		}
	}
	if content, ok := record["content"].([]any); ok {
		return content
	}
	return nil
}
