// Package schema holds the declarative rules each plugin component type
// must satisfy.
//
// The default registry is embedded YAML. A project may replace it with its
// own YAML file or adjust it with a TOML override file; both are loaded
// once at start-up and never mutated afterwards.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultRegistry []byte

// ErrUnknownType is returned for a component type with no schema.
var ErrUnknownType = errors.New("unknown component type")

// Format is how an artifact's header is encoded.
type Format string

const (
	// FormatMarkdown is YAML frontmatter between "---" lines, then a body.
	FormatMarkdown Format = "markdown"
	// FormatJSON is a single JSON object.
	FormatJSON Format = "json"
)

// Schema describes one component type.
type Schema struct {
	Type   string   `yaml:"-"`
	Format Format   `yaml:"format"`
	Paths  []string `yaml:"paths"`
	// RootDepth is how many directory levels lie between the artifact and
	// the plugin root.
	RootDepth int `yaml:"root_depth"`

	Existence  string `yaml:"existence"`
	Parse      string `yaml:"parse"`
	Formatting string `yaml:"formatting,omitempty"`
	Secrets    string `yaml:"secrets,omitempty"`

	Rules []Rule `yaml:"-"`
}

// UnmarshalYAML decodes a schema and its tagged rule list.
func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	type plain Schema
	var raw struct {
		plain `yaml:",inline"`
		Rules []ruleNode `yaml:"rules"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Schema(raw.plain)
	s.Rules = make([]Rule, 0, len(raw.Rules))
	for _, n := range raw.Rules {
		s.Rules = append(s.Rules, n.Rule)
	}
	return nil
}

// PluginRoot returns the plugin root directory for an artifact path.
func (s *Schema) PluginRoot(artifact string) string {
	dir := filepath.Clean(artifact)
	for i := 0; i < s.RootDepth; i++ {
		dir = filepath.Dir(dir)
	}
	return dir
}

// Match reports whether artifact matches one of the schema's path globs.
func (s *Schema) Match(artifact string) bool {
	p := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(artifact)), "/")
	for _, pattern := range s.Paths {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

func (s *Schema) finish() error {
	if s.Existence == "" || s.Parse == "" {
		return fmt.Errorf("schema %s: existence and parse codes are required", s.Type)
	}
	switch s.Format {
	case FormatMarkdown, FormatJSON:
	default:
		return fmt.Errorf("schema %s: unknown format %q", s.Type, s.Format)
	}
	for _, p := range s.Paths {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("schema %s: invalid path pattern %q", s.Type, p)
		}
	}
	for _, rule := range s.Rules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("schema %s: %w", s.Type, err)
		}
	}
	return nil
}

// Registry maps component types to schemas.
type Registry struct {
	schemas map[string]*Schema
	order   []string
}

type registryFile struct {
	Version int                `yaml:"version"`
	Types   map[string]*Schema `yaml:"types"`
}

// Default returns the embedded registry.
func Default() *Registry {
	r, err := Parse(defaultRegistry)
	if err != nil {
		panic(fmt.Sprintf("embedded schema registry is invalid: %v", err))
	}
	return r
}

// Parse builds a registry from YAML.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Types) == 0 {
		return nil, errors.New("parse registry: no types defined")
	}

	r := &Registry{schemas: make(map[string]*Schema, len(file.Types))}
	for name, s := range file.Types {
		if s == nil {
			return nil, fmt.Errorf("parse registry: type %s is empty", name)
		}
		s.Type = name
		if err := s.finish(); err != nil {
			return nil, err
		}
		r.schemas[name] = s
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r, nil
}

// Load reads a registry from path. A ".toml" file is applied as overrides
// on top of the default registry; anything else replaces it.
func Load(p string) (*Registry, error) {
	if p == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	if strings.EqualFold(path.Ext(p), ".toml") {
		r := Default()
		if err := r.applyOverrides(data); err != nil {
			return nil, err
		}
		return r, nil
	}
	return Parse(data)
}

// Get returns the schema for typ.
func (r *Registry) Get(typ string) (*Schema, error) {
	s, ok := r.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return s, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// Resolve returns the type whose path globs match artifact.
func (r *Registry) Resolve(artifact string) (string, bool) {
	for _, name := range r.order {
		if r.schemas[name].Match(artifact) {
			return name, true
		}
	}
	return "", false
}

// overrides is the TOML override document:
//
//	[types.skill]
//	disable = ["W001"]
//
//	[types.skill.thresholds.W001]
//	max = 800
type overrides struct {
	Types map[string]typeOverride `toml:"types"`
}

type typeOverride struct {
	Disable    []string                  `toml:"disable"`
	Paths      []string                  `toml:"paths"`
	Thresholds map[string]boundsOverride `toml:"thresholds"`
	Enums      map[string][]string       `toml:"enums"`
}

type boundsOverride struct {
	Min *float64 `toml:"min"`
	Max *float64 `toml:"max"`
}

func (r *Registry) applyOverrides(data []byte) error {
	var o overrides
	if _, err := toml.Decode(string(data), &o); err != nil {
		return fmt.Errorf("parse registry overrides: %w", err)
	}

	for typ, ov := range o.Types {
		s, err := r.Get(typ)
		if err != nil {
			return fmt.Errorf("registry overrides: %w", err)
		}
		if len(ov.Paths) > 0 {
			for _, p := range ov.Paths {
				if !doublestar.ValidatePattern(p) {
					return fmt.Errorf("registry overrides: type %s: invalid path pattern %q", typ, p)
				}
			}
			s.Paths = ov.Paths
		}

		disabled := make(map[string]bool, len(ov.Disable))
		for _, code := range ov.Disable {
			disabled[code] = true
		}
		if disabled[s.Secrets] {
			s.Secrets = ""
		}
		if disabled[s.Formatting] {
			s.Formatting = ""
		}

		kept := s.Rules[:0]
		for _, rule := range s.Rules {
			if disabled[rule.Code()] {
				continue
			}
			switch v := rule.(type) {
			case *SoftThreshold:
				if b, ok := ov.Thresholds[v.RuleID]; ok {
					if b.Min != nil {
						v.Min = b.Min
					}
					if b.Max != nil {
						v.Max = b.Max
					}
				}
			case *EnumeratedField:
				if values, ok := ov.Enums[v.RuleID]; ok && len(values) > 0 {
					v.Values = values
				}
			}
			kept = append(kept, rule)
		}
		s.Rules = kept
	}
	return nil
}
