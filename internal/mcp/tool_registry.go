package mcp

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools by the component they drive.
type ToolCategory string

const (
	// CategoryWorkflow is for workflow state tools.
	CategoryWorkflow ToolCategory = "workflow"
	// CategoryValidation is for artifact validation and repair.
	CategoryValidation ToolCategory = "validation"
	// CategoryGate is for action gate previews.
	CategoryGate ToolCategory = "gate"
	// CategoryHistory is for archived workflow queries.
	CategoryHistory ToolCategory = "history"
	// CategorySearch is for tool discovery.
	CategorySearch ToolCategory = "search"
)

// ToolMetadata describes one registered MCP tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`

	// Keywords are additional searchable terms for this tool.
	Keywords []string `json:"keywords,omitempty"`
}

// ToolRegistry indexes tool metadata for discovery.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds a tool. Names are unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	switch {
	case tool == nil:
		return errors.New("tool metadata is required")
	case tool.Name == "":
		return errors.New("tool name is required")
	case tool.Description == "":
		return fmt.Errorf("tool %q: description is required", tool.Name)
	case tool.Category == "":
		return fmt.Errorf("tool %q: category is required", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the metadata for a tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools in name order.
func (r *ToolRegistry) List() []*ToolMetadata {
	return r.filter(func(*ToolMetadata) bool { return true })
}

// ListByCategory returns the tools of one category in name order.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	return r.filter(func(t *ToolMetadata) bool { return t.Category == category })
}

func (r *ToolRegistry) filter(keep func(*ToolMetadata) bool) []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		if keep(tool) {
			result = append(result, tool)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is one search match.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score indicates match quality:
	// 3 = exact name match
	// 2 = name contains or matches the query
	// 1 = description or keyword match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search matches query case-insensitively against names, descriptions and
// keywords. A query that compiles as a regular expression is also matched
// as a pattern. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}
	q := strings.ToLower(query)
	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		re = nil
	}

	r.mu.RLock()
	var results []*SearchResult
	for _, tool := range r.tools {
		if score, reason := match(tool, q, re); score > 0 {
			results = append(results, &SearchResult{Tool: tool, Score: score, MatchReason: reason})
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.Name < results[j].Tool.Name
	})
	return results
}

// SearchByCategory searches within one category.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	var filtered []*SearchResult
	for _, res := range r.Search(query) {
		if res.Tool.Category == category {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

func match(tool *ToolMetadata, q string, re *regexp.Regexp) (int, string) {
	name := strings.ToLower(tool.Name)
	switch {
	case name == q:
		return 3, "exact name match"
	case strings.Contains(name, q):
		return 2, "name contains query"
	case re != nil && re.MatchString(tool.Name):
		return 2, "name matches pattern"
	case strings.Contains(strings.ToLower(tool.Description), q):
		return 1, "description contains query"
	case re != nil && re.MatchString(tool.Description):
		return 1, "description matches pattern"
	}
	for _, kw := range tool.Keywords {
		if strings.Contains(strings.ToLower(kw), q) {
			return 1, "keyword contains query"
		}
		if re != nil && re.MatchString(kw) {
			return 1, "keyword matches pattern"
		}
	}
	return 0, ""
}
