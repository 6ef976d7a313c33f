package validate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/secrets"
	"github.com/chkim-su/forge2/internal/telemetry"
)

const validSkill = `---
name: login-form
description: Builds an accessible login form.
---
Render the form with email and password fields.
`

func newTestValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(schema.Default(), opts...)
	require.NoError(t, err)
	return v
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func codes(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Code)
	}
	return out
}

func TestValidate_ValidSkill(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "skills/login-form/SKILL.md", validSkill)

	diags, err := newTestValidator(t).Validate(context.Background(), path, "skill", nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestValidate_UnknownType(t *testing.T) {
	_, err := newTestValidator(t).Validate(context.Background(), "x.md", "widget", []byte("---\n---\n"))
	assert.ErrorIs(t, err, schema.ErrUnknownType)
}

func TestValidate_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills", "ghost", "SKILL.md")
	diags, err := newTestValidator(t).Validate(context.Background(), path, "skill", nil)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "E001", diags[0].Code)
	assert.Equal(t, path, diags[0].Target)
	assert.True(t, diags[0].Blocking())
}

func TestValidate_SuppliedContentSkipsExistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills", "login-form", "SKILL.md")
	v := newTestValidator(t)

	diags, err := v.Validate(context.Background(), path, "skill", []byte(validSkill))
	require.NoError(t, err)
	assert.Empty(t, diags, "a pending write is judged on its content")

	diags, err = v.Validate(context.Background(), path, "skill", []byte("---\nname: login-form\n---\nBody.\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"E003"}, codes(diags))
}

func TestValidate_RegistryReadsManifestPerCall(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	manifest := writeFile(t, root, ".claude-plugin/marketplace.json", `{"name":"forge","plugins":[{"name":"forge","skills":[]}]}`)
	path := filepath.Join(root, "skills", "login-form", "SKILL.md")
	v := newTestValidator(t)

	diags, err := v.Validate(ctx, path, "skill", []byte(validSkill))
	require.NoError(t, err)
	assert.Equal(t, []string{"W041"}, codes(diags))

	require.NoError(t, os.Remove(manifest))
	diags, err = v.Validate(ctx, path, "skill", []byte(validSkill))
	require.NoError(t, err)
	assert.Empty(t, diags, "same content, different tree")
}

func TestValidate_ParseFailureStopsChecks(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no frontmatter", "# Login form\n"},
		{"unterminated", "---\nname: login-form\n"},
		{"bad yaml", "---\nname: [unclosed\n---\n"},
		{"not a mapping", "---\n- a\n- b\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags, err := newTestValidator(t).Validate(context.Background(),
				"skills/login-form/SKILL.md", "skill", []byte(tt.content))
			require.NoError(t, err)
			assert.Equal(t, []string{"E002"}, codes(diags))
		})
	}
}

func TestValidate_ConvergesWhenFieldAdded(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := writeFile(t, root, "skills/login-form/SKILL.md", "---\nname: login-form\n---\nBody.\n")
	v := newTestValidator(t)

	diags, err := v.Validate(ctx, path, "skill", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"E003"}, codes(diags))
	assert.Equal(t, "description", diags[0].Field)
	assert.False(t, diags[0].Fixable, "a description is never invented")
	assert.False(t, Verdict(diags, false).Valid)

	writeFile(t, root, "skills/login-form/SKILL.md", validSkill)
	diags, err = v.Validate(ctx, path, "skill", nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.True(t, Verdict(diags, true).Valid)
}

func TestValidate_NamingMismatchSingleDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"differs from directory", "signup-form"},
		{"not kebab case", "Login_Form"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := "---\nname: " + tt.yaml + "\ndescription: A form.\n---\nBody.\n"
			diags, err := newTestValidator(t).Validate(context.Background(),
				"skills/login-form/SKILL.md", "skill", []byte(content))
			require.NoError(t, err)
			require.Len(t, diags, 1)
			assert.Equal(t, "E004", diags[0].Code)
			assert.Equal(t, "name", diags[0].Field)
		})
	}
}

func TestValidate_SoftThresholdAndStrict(t *testing.T) {
	body := strings.Repeat("word ", 501)
	content := "---\nname: login-form\ndescription: A form.\n---\n" + body

	diags, err := newTestValidator(t).Validate(context.Background(),
		"skills/login-form/SKILL.md", "skill", []byte(content))
	require.NoError(t, err)
	require.Equal(t, []string{"W001"}, codes(diags))

	lenient := Verdict(diags, false)
	assert.True(t, lenient.Valid)
	assert.Empty(t, lenient.Blocking)

	strict := Verdict(diags, true)
	assert.False(t, strict.Valid)
	require.Len(t, strict.Blocking, 1)
	assert.Equal(t, "W001", strict.Blocking[0].Code, "strict never rewrites codes")
}

func TestValidate_Agent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := writeFile(t, root, "agents/reviewer.md", `---
name: reviewer
description: Reviews components.
model: gpt-4
skills: login-form, audit
---
Review.
`)
	v := newTestValidator(t)

	diags, err := v.Validate(ctx, path, "agent", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"W011", "W012", "W012"}, codes(diags))

	// The snapshot resolves one reference; the plugin directory the other.
	writeFile(t, root, "skills/audit/SKILL.md", validSkill)
	diags, err = v.Validate(ctx, path, "agent", nil,
		WithArtifacts([]string{"plugin/skills/login-form/SKILL.md"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"W011"}, codes(diags))
}

func TestValidate_AgentNameMustMatchStem(t *testing.T) {
	content := "---\nname: reviewer\ndescription: d\n---\n"
	diags, err := newTestValidator(t).Validate(context.Background(), "agents/auditor.md", "agent", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, []string{"E014"}, codes(diags))
}

func TestValidate_Command(t *testing.T) {
	content := "---\nallowed-tools: 42\n---\nRun.\n"
	diags, err := newTestValidator(t).Validate(context.Background(), "commands/deploy.md", "command", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, []string{"E023", "W021"}, codes(diags))
}

func TestValidate_Hooks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "scripts/gate.py", "print()\n")
	path := writeFile(t, root, "hooks/hooks.json", `{
  "hooks": {
    "$comment": "annotations are skipped",
    "PreToolUse": [
      {"matcher": "Write", "hooks": [
        {"type": "command", "command": "python3 ${CLAUDE_PLUGIN_ROOT}/scripts/gate.py", "timeout": 2}
      ]}
    ],
    "PostToolUse": [
      {"hooks": [
        {"type": "command", "command": "python3 ${CLAUDE_PLUGIN_ROOT}/scripts/missing.py"},
        {"type": "command"}
      ]}
    ],
    "OnSave": []
  }
}`)

	diags, err := newTestValidator(t).Validate(ctx, path, "hook", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"E032", "E034", "W030", "W031"}, codes(diags))
	assert.Equal(t, "hooks.OnSave", diags[0].Field)
	assert.Equal(t, "hooks.PostToolUse.0.hooks.1.command", diags[1].Field)
}

func TestValidate_HooksStructure(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		codes []string
	}{
		{"not json", "{", []string{"E031"}},
		{"missing hooks", `{}`, []string{"E033"}},
		{"hooks not a map", `{"hooks": []}`, []string{"E033"}},
		{"event not a list", `{"hooks": {"Stop": {}}}`, []string{"E034"}},
		{"entry without hooks", `{"hooks": {"Stop": [{}]}}`, []string{"E034"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags, err := newTestValidator(t).Validate(context.Background(), "hooks/hooks.json", "hook", []byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.codes, codes(diags))
		})
	}
}

func TestValidate_Marketplace(t *testing.T) {
	diags, err := newTestValidator(t).Validate(context.Background(),
		".claude-plugin/marketplace.json", "marketplace", []byte(`{"plugins": []}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"E042", "W040"}, codes(diags))
}

func TestValidate_RegistrationAndFixRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, ".claude-plugin/marketplace.json", `{"name":"forge","plugins":[{"name":"forge","skills":[]}]}`)
	path := writeFile(t, root, "skills/login-form/SKILL.md",
		"\ufeff---  \r\nname: login-form\r\n---\r\nBody.\r\n")
	v := newTestValidator(t)

	diags, err := v.Validate(ctx, path, "skill", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"W004", "E003", "W041"}, codes(diags))
	assert.True(t, diags[0].Fixable)
	assert.False(t, diags[1].Fixable)
	assert.True(t, diags[2].Fixable)

	res, err := v.Fix(ctx, diags)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)
	require.Len(t, res.Remaining, 1)
	assert.Equal(t, "E003", res.Remaining[0].Code)

	after, err := v.Validate(ctx, path, "skill", nil)
	require.NoError(t, err)
	assert.Equal(t, res.Remaining, after)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "---\nname: login-form\n---\n"))
	assert.NotContains(t, string(data), "description", "fix never fills a description")

	// Fixing again is a no-op.
	again, err := v.Fix(ctx, after)
	require.NoError(t, err)
	assert.Empty(t, again.Applied)
	assert.Equal(t, after, again.Remaining)
}

type fakeScanner struct{ findings []secrets.Leak }

func (f fakeScanner) Scan(string) []secrets.Leak { return f.findings }

func TestValidate_SecretScan(t *testing.T) {
	v := newTestValidator(t, WithSecretScanner(fakeScanner{findings: []secrets.Leak{{RuleID: "generic-api-key", Line: 4}}}))
	diags, err := v.Validate(context.Background(), "skills/login-form/SKILL.md", "skill", []byte(validSkill))
	require.NoError(t, err)
	require.Equal(t, []string{"W090"}, codes(diags))
	assert.Contains(t, diags[0].Message, "generic-api-key")
	assert.Contains(t, diags[0].Message, "line 4")

	// Hooks declare no secrets code.
	diags, err = v.Validate(context.Background(), "hooks/hooks.json", "hook", []byte(`{"hooks":{}}`))
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestValidateFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	skill := writeFile(t, root, "skills/login-form/SKILL.md", validSkill)
	agent := writeFile(t, root, "agents/reviewer.md", "---\nname: reviewer\n---\n")
	script := writeFile(t, root, "scripts/run.sh", "#!/bin/sh\n")

	report, err := newTestValidator(t).ValidateFiles(ctx, []string{skill, agent, script}, false)
	require.NoError(t, err)
	require.Len(t, report.Files, 2)
	assert.Equal(t, "skill", report.Files[0].Type)
	assert.Equal(t, "agent", report.Files[1].Type)
	assert.Equal(t, []string{script}, report.Skipped)
	assert.False(t, report.Result.Valid)
	assert.Equal(t, []string{"E013"}, codes(report.Diagnostics()))
}

func TestValidateFiles_BaseDirAndDefaultType(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/guide.md", "---\ndescription: d\n---\n")

	report, err := newTestValidator(t).ValidateFiles(context.Background(), []string{"docs/guide.md"}, true,
		WithBaseDir(root), WithDefaultType("command"))
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "command", report.Files[0].Type)
	assert.Empty(t, report.Files[0].Diagnostics)
	assert.True(t, report.Result.Valid)
}

func TestValidate_RecordsTelemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	v := newTestValidator(t, WithTracer(tt.Tracer(instrumentationName)), WithMeter(tt.Meter(instrumentationName)))

	_, err := v.Validate(context.Background(), "skills/login-form/SKILL.md", "skill", []byte("---\n---\n"))
	require.NoError(t, err)

	tt.AssertSpanExists(t, "validate.artifact")
	tt.AssertSpanAttribute(t, "validate.artifact", "artifact.type", "skill")
	assert.Equal(t, int64(2), tt.CounterValue(t, "forge.validate.diagnostics"))
}
