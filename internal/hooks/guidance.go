package hooks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chkim-su/forge2/internal/workflow"
)

// contextKeys are surfaced first, in this order, when present.
var contextKeys = []string{"request", "component_type", "name"}

// Guidance renders the text injected into the host conversation for st.
func Guidance(st *workflow.State) string {
	def, ok := st.Definition()
	if !ok {
		return ""
	}

	var b strings.Builder
	i := st.Current()
	if i < 0 {
		fmt.Fprintf(&b, "forge: %s workflow %s has completed every phase.\n", st.Kind, st.ID)
		if len(st.GeneratedFiles) > 0 {
			fmt.Fprintf(&b, "The session can end once all %d generated file(s) pass strict validation.\n", len(st.GeneratedFiles))
		}
		return strings.TrimRight(b.String(), "\n")
	}

	current := st.Phases[i]
	phase, _ := def.Phase(current.Name)
	fmt.Fprintf(&b, "forge: %s workflow, phase %d/%d %q (%s)\n",
		st.Kind, i+1, len(st.Phases), current.Name, current.Status)
	fmt.Fprintf(&b, "Required agent: %s\n", phase.Agent)
	if phase.Guidance != "" {
		fmt.Fprintf(&b, "Task: %s\n", phase.Guidance)
	}
	if current.Status == workflow.StatusFailed {
		fmt.Fprintf(&b, "The phase failed: %s\nAddress the failure, then run `forge retry`.\n", current.Reason)
	} else {
		fmt.Fprintf(&b, "When done, %s reports: PHASE_COMPLETE: %s pass\n", phase.Agent, current.Name)
	}
	if len(phase.Gates) > 0 {
		gated := make([]string, len(phase.Gates))
		for j, g := range phase.Gates {
			gated[j] = string(g)
		}
		fmt.Fprintf(&b, "Blocked until then: %s actions\n", strings.Join(gated, ", "))
	}

	if pairs := contextPairs(st.Context); len(pairs) > 0 {
		fmt.Fprintf(&b, "Context: %s\n", strings.Join(pairs, ", "))
	}
	if n := len(st.GeneratedFiles); n > 0 {
		fmt.Fprintf(&b, "Generated: %d file(s)\n", n)
	}
	return strings.TrimRight(b.String(), "\n")
}

func contextPairs(ctx map[string]string) []string {
	pairs := make([]string, 0, len(ctx))
	seen := make(map[string]bool, len(contextKeys))
	for _, k := range contextKeys {
		if v, ok := ctx[k]; ok {
			pairs = append(pairs, k+"="+v)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(ctx))
	for k := range ctx {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pairs = append(pairs, k+"="+ctx[k])
	}
	return pairs
}
