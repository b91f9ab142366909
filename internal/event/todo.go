package event

import "strings"

// TodoDiff summarizes a todo-list update, one line per entry in the new
// list: "+" marks items absent from the old list, "✓" completed, "→"
// in-progress and "○" pending.
func TodoDiff(oldTodos, newTodos []any) string {
	known := make(map[string]bool, len(oldTodos))
	for _, item := range oldTodos {
		if m, ok := item.(map[string]any); ok {
			if content, ok := m["content"].(string); ok {
				known[content] = true
			}
		}
	}

	lines := make([]string, 0, len(newTodos))
	for _, item := range newTodos {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)

		marker := "○"
		switch {
		case !known[content]:
			marker = "+"
		case status == "completed":
			marker = "✓"
		case status == "in_progress":
			marker = "→"
		}
		lines = append(lines, marker+" "+content)
	}

	return strings.Join(lines, "\n")
}
