package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nevinhive/clawgate/internal/store"
)

// MemorySearchTool searches the agent's long-term memory for entries
// relevant to a query. A nil store means memory is disabled; the tool still
// registers (so the model sees a consistent tool set) but reports as much.
type MemorySearchTool struct {
	store store.MemoryStore
}

func NewMemorySearchTool(s store.MemoryStore) *MemorySearchTool {
	return &MemorySearchTool{store: s}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for entries relevant to a query"
}
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search memory for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.store == nil {
		return ErrorResult("memory is not enabled for this agent")
	}
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	results, err := t.store.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	if len(results) == 0 {
		return SilentResult("no matching memory entries")
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] (score %.2f) %s\n", r.ID, r.Score, r.Snippet)
	}
	return SilentResult(b.String())
}

// MemoryGetTool retrieves a single memory entry by ID.
type MemoryGetTool struct {
	store store.MemoryStore
}

func NewMemoryGetTool(s store.MemoryStore) *MemoryGetTool {
	return &MemoryGetTool{store: s}
}

func (t *MemoryGetTool) Name() string        { return "memory_get" }
func (t *MemoryGetTool) Description() string { return "Retrieve a memory entry by its ID" }
func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Memory entry ID, as returned by memory_search",
			},
		},
		"required": []string{"id"},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.store == nil {
		return ErrorResult("memory is not enabled for this agent")
	}
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}

	entry, ok, err := t.store.GetByID(ctx, id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory lookup failed: %v", err))
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("no memory entry with id %q", id))
	}

	tags := ""
	if len(entry.Tags) > 0 {
		tags = fmt.Sprintf(" (tags: %s)", strings.Join(entry.Tags, ", "))
	}
	return SilentResult(fmt.Sprintf("[%s]%s %s\n\n%s", entry.ID, tags, entry.CreatedAt, entry.Content))
}
