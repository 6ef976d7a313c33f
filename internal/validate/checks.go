package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/marketplace"
	"github.com/chkim-su/forge2/internal/schema"
)

// checker evaluates one artifact against one schema.
type checker struct {
	ctx    context.Context
	v      *Validator
	schema *schema.Schema
	path   string // as given, used as the diagnostic target
	abs    string // resolved against the base dir
	typ    string
	opts   callOptions

	doc   map[string]any
	body  string
	diags []Diagnostic
}

func (c *checker) add(code, field, format string, args ...any) {
	c.diags = append(c.diags, Diagnostic{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Target:  c.path,
		Field:   field,
		Type:    c.typ,
	})
}

func (c *checker) addFixable(code, field, format string, args ...any) {
	c.add(code, field, format, args...)
	c.diags[len(c.diags)-1].Fixable = true
}

// order fixes the evaluation sequence of rule kinds.
var order = []schema.RuleKind{
	schema.KindRequired,
	schema.KindEnum,
	schema.KindNested,
	schema.KindNaming,
	schema.KindThreshold,
}

func (c *checker) run(content []byte) []Diagnostic {
	if !c.parse(content) {
		return c.diags
	}

	for _, kind := range order {
		for _, rule := range c.schema.Rules {
			if rule.Kind() != kind {
				continue
			}
			switch r := rule.(type) {
			case *schema.RequiredField:
				c.required(r)
			case *schema.EnumeratedField:
				c.enum(r)
			case *schema.NestedStructure:
				c.nested(r)
			case *schema.NamingPattern:
				c.naming(r)
			case *schema.SoftThreshold:
				c.threshold(r)
			}
		}
	}

	c.secrets(content)

	for _, rule := range c.schema.Rules {
		switch r := rule.(type) {
		case *schema.CrossReference:
			c.crossref(r)
		case *schema.RegistryEntry:
			c.registry(r)
		}
	}
	return c.diags
}

func (c *checker) parse(content []byte) bool {
	switch c.schema.Format {
	case schema.FormatMarkdown:
		normalized, changed := normalizeMarkdown(content)
		doc, body, err := parseMarkdown(normalized)
		if err != nil {
			c.add(c.schema.Parse, "", "invalid or missing frontmatter: %v", err)
			return false
		}
		c.doc, c.body = doc, body
		if changed && c.schema.Formatting != "" {
			c.addFixable(c.schema.Formatting, "", "frontmatter formatting needs normalization (byte order mark, CRLF or delimiter whitespace)")
		}
	case schema.FormatJSON:
		doc, err := parseJSON(content)
		if err != nil {
			c.add(c.schema.Parse, "", "%v", err)
			return false
		}
		c.doc = doc
	}
	return true
}

func (c *checker) required(r *schema.RequiredField) {
	for _, l := range lookup(c.doc, r.Path) {
		if !l.Present || isEmpty(l.Value) {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("missing required field '%s'", l.Path)
			}
			c.add(r.RuleID, l.Path, "%s", msg)
		}
	}
}

func (c *checker) enum(r *schema.EnumeratedField) {
	for _, l := range lookup(c.doc, r.Path) {
		if !l.Present || l.Value == nil {
			continue
		}
		s, ok := l.Value.(string)
		if !ok || !contains(r.Values, s) {
			c.add(r.RuleID, l.Path, "unknown %s %v; valid: %s", l.Path, l.Value, strings.Join(r.Values, ", "))
		}
	}
}

func (c *checker) nested(r *schema.NestedStructure) {
	for _, l := range lookup(c.doc, r.Path) {
		if !l.Present {
			if r.Required {
				c.add(r.RuleID, l.Path, "missing required %s '%s'", r.Shape, l.Path)
			}
			continue
		}
		if !hasShape(l.Value, r.Shape) {
			c.add(r.RuleID, l.Path, "'%s' must be a %s", l.Path, strings.ReplaceAll(string(r.Shape), "_", " "))
			continue
		}
		m, ok := l.Value.(map[string]any)
		if !ok {
			continue
		}
		if len(r.AllowedKeys) > 0 {
			for _, k := range sortedKeys(m) {
				if !contains(r.AllowedKeys, k) {
					c.add(r.KeyCode, l.Path+"."+k, "unknown key '%s' in '%s'; valid: %s", k, l.Path, strings.Join(r.AllowedKeys, ", "))
				}
			}
		}
		for _, k := range r.RequiredKeys {
			if v, ok := m[k]; !ok || isEmpty(v) {
				c.add(r.RuleID, l.Path+"."+k, "'%s' requires '%s'", l.Path, k)
			}
		}
	}
}

// naming emits at most one diagnostic per rule.
func (c *checker) naming(r *schema.NamingPattern) {
	found := lookup(c.doc, r.Path)
	if len(found) == 0 || !found[0].Present || found[0].Value == nil {
		return
	}
	l := found[0]
	name, ok := l.Value.(string)
	if !ok {
		c.add(r.RuleID, l.Path, "'%s' must be a string", l.Path)
		return
	}
	if re := r.Regexp(); re != nil && !re.MatchString(name) {
		c.add(r.RuleID, l.Path, "name '%s' does not match %s", name, re.String())
		return
	}
	var want string
	switch r.Match {
	case "dir":
		want = filepath.Base(filepath.Dir(filepath.Clean(c.path)))
	case "stem":
		base := filepath.Base(c.path)
		want = strings.TrimSuffix(base, filepath.Ext(base))
	default:
		return
	}
	if name != want {
		c.add(r.RuleID, l.Path, "name '%s' does not match %s '%s'", name, matchLabel(r.Match), want)
	}
}

func (c *checker) threshold(r *schema.SoftThreshold) {
	if r.Path == schema.BodyPath {
		c.compare(r, r.Path, float64(len(strings.Fields(c.body))), "words")
		return
	}
	for _, l := range lookup(c.doc, r.Path) {
		switch r.Measure {
		case schema.MeasureValue:
			if !l.Present {
				continue
			}
			n, ok := toFloat(l.Value)
			if !ok {
				continue
			}
			c.compare(r, l.Path, n, "")
		case schema.MeasureLength:
			n := 0
			switch t := l.Value.(type) {
			case []any:
				n = len(t)
			case map[string]any:
				n = len(t)
			}
			c.compare(r, l.Path, float64(n), "entries")
		case schema.MeasureWords:
			s, ok := l.Value.(string)
			if !ok {
				continue
			}
			c.compare(r, l.Path, float64(len(strings.Fields(s))), "words")
		}
	}
}

func (c *checker) compare(r *schema.SoftThreshold, field string, n float64, unit string) {
	label := field
	if field == schema.BodyPath {
		label = "body"
		field = ""
	}
	suffix := ""
	if unit != "" {
		suffix = " " + unit
	}
	if r.Max != nil && n > *r.Max {
		c.add(r.RuleID, field, "%s has %g%s (recommended at most %g)", label, n, suffix, *r.Max)
	}
	if r.Min != nil && n < *r.Min {
		c.add(r.RuleID, field, "%s has %g%s (recommended at least %g)", label, n, suffix, *r.Min)
	}
}

func (c *checker) secrets(content []byte) {
	if c.schema.Secrets == "" || c.v.scanner == nil {
		return
	}
	for _, f := range c.v.scanner.Scan(string(content)) {
		c.add(c.schema.Secrets, "", "possible secret (%s) on line %d", f.RuleID, f.Line)
	}
}

func (c *checker) pluginRoot() string {
	if c.v.pluginRoot != "" {
		return c.v.pluginRoot
	}
	return c.schema.PluginRoot(c.abs)
}

// crossref resolves references against the artifact snapshot first and
// the plugin directory second.
func (c *checker) crossref(r *schema.CrossReference) {
	root := c.pluginRoot()
	for _, l := range lookup(c.doc, r.Path) {
		if !l.Present {
			continue
		}
		for _, ref := range c.references(r, l.Value) {
			target := filepath.FromSlash(strings.ReplaceAll(r.Resolve, "{}", ref))
			if c.inArtifacts(target) || exists(filepath.Join(root, target)) {
				continue
			}
			c.add(r.RuleID, l.Path, "unresolved reference '%s' (expected %s)", ref, filepath.ToSlash(target))
		}
	}
}

// references pulls reference names out of a value: the extract group
// when the rule has one, otherwise comma-separated names.
func (c *checker) references(r *schema.CrossReference, v any) []string {
	var refs []string
	for _, s := range stringValues(v) {
		if re := r.Extractor(); re != nil {
			for _, m := range re.FindAllStringSubmatch(s, -1) {
				refs = append(refs, m[1])
			}
			continue
		}
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				refs = append(refs, part)
			}
		}
	}
	return refs
}

func (c *checker) inArtifacts(target string) bool {
	target = filepath.Clean(target)
	suffix := string(filepath.Separator) + target
	for _, a := range c.opts.artifacts {
		a = filepath.Clean(a)
		if a == target || strings.HasSuffix(a, suffix) {
			return true
		}
	}
	return false
}

// registry requires a marketplace listing. A plugin without a readable
// manifest is left to the marketplace schema's own checks.
func (c *checker) registry(r *schema.RegistryEntry) {
	m, err := marketplace.Load(c.pluginRoot())
	if err != nil {
		if !errors.Is(err, marketplace.ErrNotFound) && !errors.Is(err, marketplace.ErrCorrupted) {
			c.v.logger.Warn(c.ctx, "marketplace manifest unreadable", zap.Error(err))
		}
		return
	}
	entry := marketplace.Entry(r.Entry, c.path)
	if !m.Has(r.Section, entry) {
		c.addFixable(r.RuleID, "", "%s not registered in marketplace %s: %s", c.typ, r.Section, entry)
	}
}

func hasShape(v any, shape schema.Shape) bool {
	switch shape {
	case schema.ShapeString:
		_, ok := v.(string)
		return ok
	case schema.ShapeList:
		_, ok := v.([]any)
		return ok
	case schema.ShapeMap:
		_, ok := v.(map[string]any)
		return ok
	case schema.ShapeListOrString:
		switch v.(type) {
		case string, []any:
			return true
		}
		return false
	case schema.ShapeNumber:
		_, ok := toFloat(v)
		return ok
	}
	return false
}

func matchLabel(match string) string {
	if match == "dir" {
		return "directory"
	}
	return "file name"
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
