package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/validate"
)

const validSkill = `---
name: login-form
description: Builds an accessible login form.
---
Render the form with email and password fields.
`

func newValidator(t *testing.T) *validate.Validator {
	t.Helper()
	v, err := validate.New(schema.Default())
	require.NoError(t, err)
	return v
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNew_Options(t *testing.T) {
	v := newValidator(t)
	_, err := New(v, t.TempDir(), WithDebounce(0))
	assert.Error(t, err)
	_, err = New(v, t.TempDir(), WithRateLimit(0))
	assert.Error(t, err)

	w, err := New(v, t.TempDir(), WithRateLimit(2), WithDebounce(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, w.limiter.Burst())
	assert.Nil(t, w.Latest())
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	good := filepath.Join(root, "skills", "login-form", "SKILL.md")
	bad := filepath.Join(root, "skills", "signup-form", "SKILL.md")
	writeFile(t, good, validSkill)
	writeFile(t, bad, "---\nname: signup-form\n---\nBody.\n")
	writeFile(t, filepath.Join(root, "README.md"), "# plugin\n")
	writeFile(t, filepath.Join(root, ".git", "skills", "x", "SKILL.md"), "junk")

	var calls atomic.Int32
	w, err := New(newValidator(t), root, WithReportHandler(func(*validate.Report) { calls.Add(1) }))
	require.NoError(t, err)

	report, err := w.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Files, 2)
	assert.Equal(t, good, report.Files[0].Path)
	assert.Empty(t, report.Files[0].Diagnostics)
	assert.Equal(t, bad, report.Files[1].Path)
	assert.NotEmpty(t, report.Files[1].Diagnostics)
	assert.False(t, report.Result.Valid)
	assert.Same(t, report, w.Latest())
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidate_MergesAndDropsRemoved(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "skills", "a", "SKILL.md")
	b := filepath.Join(root, "skills", "b", "SKILL.md")
	writeFile(t, a, "---\nname: a\n---\n")
	writeFile(t, b, validSkill)

	w, err := New(newValidator(t), root)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = w.Scan(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(a))
	report, err := w.validate(ctx, []string{a})
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, b, report.Files[0].Path)
}

func TestRun_RevalidatesOnChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "skills", "login-form", "SKILL.md")
	writeFile(t, path, "---\nname: login-form\n---\nBody.\n")

	w, err := New(newValidator(t), root, WithDebounce(20*time.Millisecond), WithRateLimit(10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		r := w.Latest()
		return r != nil && !r.Result.Valid
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, path, validSkill)
	require.Eventually(t, func() bool {
		r := w.Latest()
		return r != nil && r.Result.Valid
	}, 5*time.Second, 10*time.Millisecond)

	// A skill created in a new directory is picked up.
	other := filepath.Join(root, "skills", "signup-form", "SKILL.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(other), 0o755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(other, []byte(validSkill), 0o644))
	require.Eventually(t, func() bool {
		r := w.Latest()
		return r != nil && len(r.Files) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
