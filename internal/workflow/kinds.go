package workflow

import (
	"sort"
	"strings"
)

// Kind selects which ordered phase sequence a workflow follows.
type Kind string

const (
	KindCreation     Kind = "creation"
	KindVerification Kind = "verification"
	KindRefactor     Kind = "refactor"
)

// Category classifies an action by the side effects it can cause.
type Category string

const (
	CategoryRead     Category = "read"
	CategoryWrite    Category = "write"
	CategoryExecute  Category = "execute"
	CategoryDelegate Category = "delegate"
	CategoryOther    Category = "other"
)

// PhaseDef declares one phase of a kind: the agent whose completion signal
// closes it and the action categories it blocks until then.
type PhaseDef struct {
	Name  string
	Agent string
	Gates []Category
	// Verification marks the phase whose completion requires a clean
	// strict validation pass at exit.
	Verification bool
	Guidance     string
}

// GatesCategory reports whether the phase blocks c while in progress.
func (p PhaseDef) GatesCategory(c Category) bool {
	for _, g := range p.Gates {
		if g == c {
			return true
		}
	}
	return false
}

// Definition is the registered phase sequence of a kind.
type Definition struct {
	Kind        Kind
	Description string
	Phases      []PhaseDef
}

// Phase returns the named phase definition.
func (d Definition) Phase(name string) (PhaseDef, bool) {
	for _, p := range d.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseDef{}, false
}

// Last returns the final phase definition.
func (d Definition) Last() PhaseDef {
	return d.Phases[len(d.Phases)-1]
}

var analysisGates = []Category{CategoryWrite, CategoryExecute, CategoryDelegate}
var verifyGates = []Category{CategoryWrite}

var definitions = map[Kind]Definition{
	KindCreation: {
		Kind:        KindCreation,
		Description: "generate a new plugin component",
		Phases: []PhaseDef{
			{
				Name:     "semantic",
				Agent:    "phase-semantic-agent",
				Gates:    analysisGates,
				Guidance: "Resolve intent, component type and name before generating anything.",
			},
			{
				Name:     "execute",
				Agent:    "phase-execute-agent",
				Guidance: "Generate the component files and record each one with add-file.",
			},
			{
				Name:         "verify",
				Agent:        "phase-verify-agent",
				Gates:        verifyGates,
				Verification: true,
				Guidance:     "Validate every generated file; fix blocking diagnostics before ending the session.",
			},
		},
	},
	KindVerification: {
		Kind:        KindVerification,
		Description: "audit existing plugin components",
		Phases: []PhaseDef{
			{Name: "static_validation", Agent: "static-validator-agent", Gates: verifyGates, Guidance: "Run schema validation over the plugin."},
			{Name: "form_audit", Agent: "form-auditor-agent", Gates: verifyGates, Guidance: "Audit component structure and naming."},
			{Name: "content_quality", Agent: "content-quality-agent", Gates: verifyGates, Guidance: "Review descriptions and instructions."},
			{Name: "report", Agent: "report-generator-agent", Gates: verifyGates, Verification: true, Guidance: "Produce the verification report."},
		},
	},
	KindRefactor: {
		Kind:        KindRefactor,
		Description: "restructure existing plugin components",
		Phases: []PhaseDef{
			{Name: "analysis", Agent: "refactor-analyzer-agent", Gates: analysisGates, Guidance: "Analyze the components to be refactored."},
			{Name: "plan", Agent: "refactor-planner-agent", Gates: analysisGates, Guidance: "Plan the change set before editing."},
			{Name: "execute", Agent: "refactor-executor-agent", Guidance: "Apply the planned changes and record touched files."},
			{Name: "verify", Agent: "phase-verify-agent", Gates: verifyGates, Verification: true, Guidance: "Validate every touched file."},
		},
	},
}

// Lookup returns the definition registered for kind.
func Lookup(kind Kind) (Definition, bool) {
	d, ok := definitions[kind]
	return d, ok
}

// ParseKind resolves a kind name, accepting the "verification-only" and
// "verify" aliases.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCreation, KindVerification, KindRefactor:
		return k, true
	case "verification-only", "verify":
		return KindVerification, true
	case "create":
		return KindCreation, true
	}
	return "", false
}

// Kinds returns all registered kinds in name order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(definitions))
	for k := range definitions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// newPhases builds the initial phase list: the first phase in progress,
// the rest pending.
func newPhases(def Definition) []Phase {
	phases := make([]Phase, len(def.Phases))
	for i, p := range def.Phases {
		phases[i] = Phase{Name: p.Name, Status: StatusPending}
	}
	phases[0].Status = StatusInProgress
	return phases
}
