package schema

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// RuleKind tags a Rule variant.
type RuleKind string

const (
	KindRequired  RuleKind = "required"
	KindEnum      RuleKind = "enum"
	KindNested    RuleKind = "nested"
	KindNaming    RuleKind = "naming"
	KindThreshold RuleKind = "threshold"
	KindCrossRef  RuleKind = "crossref"
	KindRegistry  RuleKind = "registry"
)

// Rule is one check of a component schema. The concrete types below are
// the only implementations; the validator switches on them.
type Rule interface {
	Kind() RuleKind
	// Code is the diagnostic code the rule emits. E-codes block, W-codes
	// advise.
	Code() string
	validate() error
}

// Shape constrains the value type found at a path.
type Shape string

const (
	ShapeString       Shape = "string"
	ShapeList         Shape = "list"
	ShapeMap          Shape = "map"
	ShapeListOrString Shape = "list_or_string"
	ShapeNumber       Shape = "number"
)

// Measure selects what a SoftThreshold compares.
type Measure string

const (
	// MeasureValue compares a numeric field. Missing fields are skipped.
	MeasureValue Measure = "value"
	// MeasureWords counts words in a string field, or in the body when the
	// path is BodyPath.
	MeasureWords Measure = "words"
	// MeasureLength counts list or map entries. Missing fields count as 0.
	MeasureLength Measure = "length"
)

// BodyPath addresses the markdown body below the frontmatter.
const BodyPath = "$body"

// RequiredField requires a non-empty value at Path.
type RequiredField struct {
	Path    string `yaml:"path"`
	RuleID  string `yaml:"code"`
	Message string `yaml:"message,omitempty"`
}

func (r *RequiredField) Kind() RuleKind { return KindRequired }
func (r *RequiredField) Code() string   { return r.RuleID }
func (r *RequiredField) validate() error {
	if r.Path == "" {
		return fmt.Errorf("required rule %s: path is empty", r.RuleID)
	}
	return nil
}

// EnumeratedField restricts a present value at Path to Values.
type EnumeratedField struct {
	Path   string   `yaml:"path"`
	Values []string `yaml:"values"`
	RuleID string   `yaml:"code"`
}

func (r *EnumeratedField) Kind() RuleKind { return KindEnum }
func (r *EnumeratedField) Code() string   { return r.RuleID }
func (r *EnumeratedField) validate() error {
	if r.Path == "" || len(r.Values) == 0 {
		return fmt.Errorf("enum rule %s: path and values are required", r.RuleID)
	}
	return nil
}

// NestedStructure checks the shape of every value matched by Path. Path
// segments may be "*" to walk all map values or list items.
type NestedStructure struct {
	Path     string `yaml:"path"`
	Shape    Shape  `yaml:"shape"`
	Required bool   `yaml:"required,omitempty"`
	RuleID   string `yaml:"code"`
	// AllowedKeys limits map keys; violations are reported with KeyCode.
	AllowedKeys []string `yaml:"allowed_keys,omitempty"`
	KeyCode     string   `yaml:"key_code,omitempty"`
	// RequiredKeys must be present on every matched map.
	RequiredKeys []string `yaml:"required_keys,omitempty"`
}

func (r *NestedStructure) Kind() RuleKind { return KindNested }
func (r *NestedStructure) Code() string   { return r.RuleID }
func (r *NestedStructure) validate() error {
	if r.Path == "" {
		return fmt.Errorf("nested rule %s: path is empty", r.RuleID)
	}
	switch r.Shape {
	case ShapeString, ShapeList, ShapeMap, ShapeListOrString, ShapeNumber:
	default:
		return fmt.Errorf("nested rule %s: unknown shape %q", r.RuleID, r.Shape)
	}
	if len(r.AllowedKeys) > 0 && r.KeyCode == "" {
		return fmt.Errorf("nested rule %s: allowed_keys needs key_code", r.RuleID)
	}
	return nil
}

// NamingPattern checks the value at Path against Pattern and, when Match
// is set, against the artifact's location.
type NamingPattern struct {
	Path    string `yaml:"path"`
	Pattern string `yaml:"pattern"`
	// Match is "dir" (parent directory name), "stem" (file name without
	// extension) or empty.
	Match  string `yaml:"match,omitempty"`
	RuleID string `yaml:"code"`

	re *regexp.Regexp
}

func (r *NamingPattern) Kind() RuleKind { return KindNaming }
func (r *NamingPattern) Code() string   { return r.RuleID }
func (r *NamingPattern) validate() error {
	if r.Path == "" {
		return fmt.Errorf("naming rule %s: path is empty", r.RuleID)
	}
	switch r.Match {
	case "", "dir", "stem":
	default:
		return fmt.Errorf("naming rule %s: unknown match %q", r.RuleID, r.Match)
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("naming rule %s: %w", r.RuleID, err)
		}
		r.re = re
	}
	return nil
}

// Regexp returns the compiled pattern, or nil when none is set.
func (r *NamingPattern) Regexp() *regexp.Regexp { return r.re }

// SoftThreshold emits an advisory when a measurement falls outside
// [Min, Max].
type SoftThreshold struct {
	Path    string   `yaml:"path"`
	Measure Measure  `yaml:"measure"`
	Min     *float64 `yaml:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty"`
	RuleID  string   `yaml:"code"`
}

func (r *SoftThreshold) Kind() RuleKind { return KindThreshold }
func (r *SoftThreshold) Code() string   { return r.RuleID }
func (r *SoftThreshold) validate() error {
	if r.Path == "" {
		return fmt.Errorf("threshold rule %s: path is empty", r.RuleID)
	}
	if r.Min == nil && r.Max == nil {
		return fmt.Errorf("threshold rule %s: min or max is required", r.RuleID)
	}
	switch r.Measure {
	case "":
		r.Measure = MeasureValue
	case MeasureValue, MeasureWords, MeasureLength:
	default:
		return fmt.Errorf("threshold rule %s: unknown measure %q", r.RuleID, r.Measure)
	}
	return nil
}

// CrossReference requires each string at Path to name something that
// exists among the generated artifacts or under the plugin root.
type CrossReference struct {
	Path string `yaml:"path"`
	// Extract, when set, is a regexp whose first group pulls the reference
	// out of a larger string (a hook command line, for instance).
	Extract string `yaml:"extract,omitempty"`
	// Resolve turns a reference into a plugin-relative path; "{}" is
	// replaced with the reference.
	Resolve string `yaml:"resolve"`
	RuleID  string `yaml:"code"`

	extract *regexp.Regexp
}

func (r *CrossReference) Kind() RuleKind { return KindCrossRef }
func (r *CrossReference) Code() string   { return r.RuleID }
func (r *CrossReference) validate() error {
	if r.Path == "" || r.Resolve == "" {
		return fmt.Errorf("crossref rule %s: path and resolve are required", r.RuleID)
	}
	if r.Extract != "" {
		re, err := regexp.Compile(r.Extract)
		if err != nil {
			return fmt.Errorf("crossref rule %s: %w", r.RuleID, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("crossref rule %s: extract needs a capture group", r.RuleID)
		}
		r.extract = re
	}
	return nil
}

// Extractor returns the compiled extract pattern, or nil.
func (r *CrossReference) Extractor() *regexp.Regexp { return r.extract }

// RegistryEntry requires the artifact to be listed in the plugin
// marketplace manifest under Section. Entry is a template over "{dir}"
// (parent directory name) and "{file}" (base name).
type RegistryEntry struct {
	Section string `yaml:"section"`
	Entry   string `yaml:"entry"`
	RuleID  string `yaml:"code"`
}

func (r *RegistryEntry) Kind() RuleKind { return KindRegistry }
func (r *RegistryEntry) Code() string   { return r.RuleID }
func (r *RegistryEntry) validate() error {
	if r.Section == "" || r.Entry == "" {
		return fmt.Errorf("registry rule %s: section and entry are required", r.RuleID)
	}
	return nil
}

// ruleNode decodes the tagged YAML form of a Rule.
type ruleNode struct {
	Rule Rule
}

func (n *ruleNode) UnmarshalYAML(value *yaml.Node) error {
	var tag struct {
		Kind RuleKind `yaml:"kind"`
	}
	if err := value.Decode(&tag); err != nil {
		return err
	}

	var r Rule
	switch tag.Kind {
	case KindRequired:
		r = &RequiredField{}
	case KindEnum:
		r = &EnumeratedField{}
	case KindNested:
		r = &NestedStructure{}
	case KindNaming:
		r = &NamingPattern{}
	case KindThreshold:
		r = &SoftThreshold{}
	case KindCrossRef:
		r = &CrossReference{}
	case KindRegistry:
		r = &RegistryEntry{}
	default:
		return fmt.Errorf("line %d: unknown rule kind %q", value.Line, tag.Kind)
	}
	if err := value.Decode(r); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if r.Code() == "" {
		return fmt.Errorf("line %d: %s rule has no code", value.Line, tag.Kind)
	}
	n.Rule = r
	return nil
}
