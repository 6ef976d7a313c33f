package validate

import (
	"sort"
	"strconv"
	"strings"
)

// located is a value reached by a rule path. Present is false when the
// final key is absent from an existing parent.
type located struct {
	Path    string
	Value   any
	Present bool
}

// lookup walks a dotted path through decoded YAML or JSON. A "*" segment
// expands to every map value (keys starting with "$" are annotations and
// are skipped) or list item. Intermediate segments that do not exist
// produce no results.
func lookup(root map[string]any, path string) []located {
	var out []located
	walkPath(root, strings.Split(path, "."), "", &out)
	return out
}

func walkPath(node any, segs []string, prefix string, out *[]located) {
	seg, rest := segs[0], segs[1:]
	join := func(s string) string {
		if prefix == "" {
			return s
		}
		return prefix + "." + s
	}

	if seg == "*" {
		switch v := node.(type) {
		case map[string]any:
			for _, k := range sortedKeys(v) {
				step(v[k], true, rest, join(k), out)
			}
		case []any:
			for i, item := range v {
				step(item, true, rest, join(strconv.Itoa(i)), out)
			}
		}
		return
	}

	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	val, present := m[seg]
	step(val, present, rest, join(seg), out)
}

func step(val any, present bool, rest []string, path string, out *[]located) {
	if len(rest) == 0 {
		*out = append(*out, located{Path: path, Value: val, Present: present})
		return
	}
	if present {
		walkPath(val, rest, path, out)
	}
}

// sortedKeys returns map keys in order, skipping "$" annotation keys.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.HasPrefix(k, "$") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isEmpty reports whether a present value carries no content.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toFloat converts decoded YAML or JSON numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// stringValues returns the string values of v: a string, or the string items
// of a list.
func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
