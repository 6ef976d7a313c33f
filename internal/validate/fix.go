package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/chkim-su/forge2/internal/marketplace"
	"github.com/chkim-su/forge2/internal/schema"
)

// FixResult reports what Fix changed.
type FixResult struct {
	Applied   []string     `json:"applied"`
	Remaining []Diagnostic `json:"remaining"`
}

// Fix applies the fixable diagnostics: frontmatter normalization and
// marketplace registration. Everything else, including a missing
// description, is returned in Remaining untouched. A fix that fails stays
// in Remaining.
func (v *Validator) Fix(ctx context.Context, diags []Diagnostic, opts ...CallOption) (FixResult, error) {
	o := applyCallOptions(opts)
	res := FixResult{Applied: []string{}, Remaining: []Diagnostic{}}
	normalized := map[string]bool{}

	for _, d := range diags {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !d.Fixable {
			res.Remaining = append(res.Remaining, d)
			continue
		}

		applied, err := v.fixOne(d, o, normalized)
		if err != nil {
			v.logger.Warn(ctx, "fix failed",
				zap.String("code", d.Code),
				zap.String("target", d.Target),
				zap.Error(err),
			)
			res.Remaining = append(res.Remaining, d)
			continue
		}
		if applied != "" {
			res.Applied = append(res.Applied, applied)
		}
	}
	return res, nil
}

var errNotFixable = errors.New("no fix for diagnostic")

func (v *Validator) fixOne(d Diagnostic, o callOptions, normalized map[string]bool) (string, error) {
	s, err := v.registry.Get(d.Type)
	if err != nil {
		return "", err
	}
	path := o.abs(d.Target)

	if d.Code == s.Formatting && s.Format == schema.FormatMarkdown {
		if normalized[path] {
			return "", nil
		}
		if err := normalizeFile(path); err != nil {
			return "", err
		}
		normalized[path] = true
		return fmt.Sprintf("%s: normalized frontmatter formatting", d.Target), nil
	}

	for _, rule := range s.Rules {
		r, ok := rule.(*schema.RegistryEntry)
		if !ok || r.RuleID != d.Code {
			continue
		}
		root := v.pluginRoot
		if root == "" {
			root = s.PluginRoot(path)
		}
		m, err := marketplace.Load(root)
		if err != nil {
			return "", err
		}
		entry := marketplace.Entry(r.Entry, d.Target)
		added, err := m.Register(r.Section, entry)
		if err != nil {
			return "", err
		}
		if !added {
			return "", nil
		}
		if err := m.Save(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: registered %s in marketplace %s", d.Target, entry, r.Section), nil
	}
	return "", fmt.Errorf("%w: %s", errNotFixable, d.Code)
}

// normalizeFile rewrites a markdown artifact with normalized frontmatter,
// replacing it by rename.
func normalizeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, changed := normalizeMarkdown(content)
	if !changed {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".forge-fix-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
