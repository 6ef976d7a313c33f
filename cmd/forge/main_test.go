package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginSkill = `---
name: login-form
description: Builds an accessible login form.
---
Render the form with email and password fields.
`

type result struct {
	code   int
	stdout string
	stderr string
}

func (r result) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(r.stdout), v), r.stdout)
}

// project is a temporary plugin project with an isolated environment.
type project struct {
	root string
}

func newProject(t *testing.T) *project {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FORGE_SESSION", "")
	t.Setenv("FORGE_LOGGING_LEVEL", "error")
	t.Setenv("FORGE_VALIDATION_SECRET_SCAN", "false")
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".claude-plugin"), 0o755))
	return &project{root: root}
}

func (p *project) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--dir", p.root}, args...)
	code := execute(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (p *project) hook(t *testing.T, category string, payload map[string]any) result {
	t.Helper()
	payload["cwd"] = p.root
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"hook", category}, bytes.NewReader(data), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (p *project) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(p.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func taskPayload(session, agent, output string) map[string]any {
	return map[string]any{
		"session_id":    session,
		"tool_name":     "Task",
		"tool_input":    map[string]any{"subagent_type": agent, "prompt": "go"},
		"tool_response": output,
	}
}

func TestCLI_LoginFormScenario(t *testing.T) {
	p := newProject(t)
	const sess = "s1"

	res := p.run(t, "", "--session", sess, "--json", "init", "creation", "create", "a", "login-form", "skill")
	require.Equal(t, exitOK, res.code, res.stderr)
	var view stateView
	res.decode(t, &view)
	assert.Equal(t, sess, view.SessionID)
	assert.Equal(t, "semantic", view.Current)
	assert.Equal(t, "create a login-form skill", view.State.Context["request"])

	res = p.hook(t, "session-start", map[string]any{"session_id": sess})
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "SessionStart")
	assert.Contains(t, res.stdout, "phase-semantic-agent")

	skillRel := filepath.Join("skills", "login-form", "SKILL.md")
	res = p.hook(t, "pre-action", map[string]any{
		"session_id": sess,
		"tool_name":  "Write",
		"tool_input": map[string]any{"file_path": skillRel},
	})
	assert.Equal(t, exitDeny, res.code)
	assert.Contains(t, res.stderr, "phase-semantic-agent")

	res = p.hook(t, "pre-action", taskPayload(sess, "forge:phase-semantic-agent", ""))
	assert.Equal(t, exitOK, res.code, res.stderr)

	// A signal without a verdict is reported and changes nothing.
	res = p.hook(t, "post-action", taskPayload(sess, "phase-semantic-agent", "PHASE_COMPLETE: semantic"))
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stderr, "completion signal ignored")

	res = p.run(t, "", "--session", sess, "--json", "status")
	require.Equal(t, exitOK, res.code)
	res.decode(t, &view)
	assert.Equal(t, "semantic", view.Current)

	res = p.hook(t, "post-action", taskPayload(sess, "phase-semantic-agent", "PHASE_COMPLETE: semantic pass"))
	assert.Equal(t, exitOK, res.code, res.stderr)

	res = p.run(t, "", "--session", sess, "--json", "status")
	require.Equal(t, exitOK, res.code)
	res.decode(t, &view)
	assert.Equal(t, "execute", view.Current)

	skill := p.write(t, skillRel, "---\nname: login-form\n---\nRender the form.\n")
	res = p.run(t, "", "--session", sess, "--json", "add-file", skill)
	require.Equal(t, exitOK, res.code, res.stdout)
	res.decode(t, &view)
	assert.Equal(t, []string{skillRel}, view.State.GeneratedFiles, "recorded relative to the project root")

	res = p.run(t, "", "--session", sess, "--json", "add-file", skill)
	assert.Equal(t, exitFault, res.code)
	assert.Contains(t, res.stdout, `"kind": "DuplicateArtifact"`)

	res = p.hook(t, "session-end", map[string]any{"session_id": sess})
	assert.Equal(t, exitDeny, res.code)
	assert.Contains(t, res.stderr, "execute, verify")

	for i := 0; i < 2; i++ {
		res = p.run(t, "", "--session", sess, "advance")
		require.Equal(t, exitOK, res.code, res.stderr)
	}
	res = p.run(t, "", "--session", sess, "status")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "all phases complete")

	// Complete, but the skill has no description.
	res = p.hook(t, "session-end", map[string]any{"session_id": sess})
	assert.Equal(t, exitDeny, res.code)
	assert.Contains(t, res.stderr, "strict validation")

	res = p.run(t, "", "validate", skill)
	assert.Equal(t, exitDeny, res.code)
	assert.Contains(t, res.stdout, "invalid")

	p.write(t, skillRel, loginSkill)
	res = p.run(t, "", "validate", "--strict", skill)
	assert.Equal(t, exitOK, res.code, res.stdout)

	res = p.hook(t, "session-end", map[string]any{"session_id": sess})
	assert.Equal(t, exitOK, res.code, res.stderr)

	res = p.run(t, "", "--session", sess, "--json", "status")
	assert.Equal(t, exitFault, res.code)
	var body errorBody
	res.decode(t, &body)
	assert.Equal(t, "NoWorkflow", body.Error.Kind)

	res = p.run(t, "", "--json", "history")
	require.Equal(t, exitOK, res.code, res.stderr)
	var hist struct {
		Workflows []struct {
			SessionID string `json:"session_id"`
			Outcome   string `json:"outcome"`
			Complete  bool   `json:"complete"`
		} `json:"workflows"`
	}
	res.decode(t, &hist)
	require.Len(t, hist.Workflows, 1)
	assert.Equal(t, sess, hist.Workflows[0].SessionID)
	assert.Equal(t, "finish", hist.Workflows[0].Outcome)
	assert.True(t, hist.Workflows[0].Complete)
}

func TestCLI_FailRetryReset(t *testing.T) {
	p := newProject(t)

	require.Equal(t, exitOK, p.run(t, "", "--session", "r1", "init", "refactor").code)

	res := p.run(t, "", "--session", "r1", "--json", "fail", "analysis", "incomplete")
	require.Equal(t, exitOK, res.code, res.stdout)
	var view stateView
	res.decode(t, &view)
	assert.Equal(t, "failed", string(view.State.Phases[0].Status))
	assert.Equal(t, "analysis incomplete", view.State.Phases[0].Reason)

	res = p.run(t, "", "--session", "r1", "--json", "retry")
	require.Equal(t, exitOK, res.code, res.stdout)
	res.decode(t, &view)
	assert.Equal(t, "in_progress", string(view.State.Phases[0].Status))

	res = p.run(t, "", "--session", "r1", "set-context", "target", "skills/login-form")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "target = skills/login-form")

	res = p.run(t, "", "--session", "r1", "reset")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "discarded")

	res = p.run(t, "", "--session", "r1", "reset")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "no workflow")

	res = p.run(t, "", "--session", "r1", "--json", "history", "--outcome", "reset")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, `"outcome": "reset"`)
}

func TestCLI_InitErrors(t *testing.T) {
	p := newProject(t)

	res := p.run(t, "", "--json", "init", "widget")
	assert.Equal(t, exitFault, res.code)
	var body errorBody
	res.decode(t, &body)
	assert.Equal(t, "InvalidInput", body.Error.Kind)

	res = p.run(t, "", "init", "verify", "--context", "novalue")
	assert.Equal(t, exitFault, res.code)
	assert.Contains(t, res.stderr, "key=value")

	require.Equal(t, exitOK, p.run(t, "", "init", "verify").code)
	res = p.run(t, "", "init", "creation")
	assert.Equal(t, exitFault, res.code)
	assert.Contains(t, res.stderr, "already initialized")
}

func TestCLI_HostSessionIsRemembered(t *testing.T) {
	p := newProject(t)

	res := p.hook(t, "session-start", map[string]any{"session_id": "host-7"})
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Empty(t, res.stdout, "no workflow, no guidance")

	res = p.run(t, "", "--json", "init", "verification")
	require.Equal(t, exitOK, res.code, res.stderr)
	var view stateView
	res.decode(t, &view)
	assert.Equal(t, "host-7", view.SessionID)
	assert.Equal(t, "static_validation", view.Current)

	t.Setenv("FORGE_SESSION", "env-session")
	res = p.run(t, "", "--json", "status")
	assert.Equal(t, exitFault, res.code, "the environment overrides the remembered session")
}

func TestCLI_HookFaults(t *testing.T) {
	p := newProject(t)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--dir", p.root, "hook", "pre-action"}, strings.NewReader("{not json"), &stdout, &stderr)
	assert.Equal(t, exitDeny, code, "a fault never allows a blocking event")
	assert.Contains(t, stderr.String(), "forge pre-action failed")

	stdout.Reset()
	stderr.Reset()
	code = execute(context.Background(), []string{"--dir", p.root, "hook", "post-action"}, strings.NewReader("{not json"), &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stderr.String(), "forge post-action failed")

	res := p.run(t, "", "hook", "teardown")
	assert.Equal(t, exitFault, res.code)
	assert.Contains(t, res.stderr, "unknown hook category")

	// Host event names are accepted.
	res = p.hook(t, "PreToolUse", map[string]any{"session_id": "x", "tool_name": "Write"})
	assert.Equal(t, exitOK, res.code, "no workflow allows everything")
}

func TestCLI_HookInstall(t *testing.T) {
	p := newProject(t)

	res := p.run(t, "", "hook", "install", "--command", "forge")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "installed forge hooks")

	data, err := os.ReadFile(filepath.Join(p.root, "hooks", "hooks.json"))
	require.NoError(t, err)
	for _, want := range []string{"forge hook session-start", "forge hook pre-action", "forge hook post-action", "forge hook user-input", "forge hook session-end"} {
		assert.Contains(t, string(data), want)
	}

	res = p.run(t, "", "hook", "install", "--command", "forge")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "already installed")
}

func TestCLI_ValidateFix(t *testing.T) {
	p := newProject(t)
	skill := p.write(t, filepath.Join("skills", "login-form", "SKILL.md"),
		strings.ReplaceAll(loginSkill, "\n", "\r\n"))

	res := p.run(t, "", "validate", "--strict", skill)
	assert.Equal(t, exitDeny, res.code, res.stdout)

	res = p.run(t, "", "--json", "validate", "--strict", "--fix", skill)
	assert.Equal(t, exitOK, res.code, res.stdout)
	var view struct {
		Fixed  []string `json:"fixed"`
		Result struct {
			Valid bool `json:"valid"`
		} `json:"result"`
	}
	res.decode(t, &view)
	assert.NotEmpty(t, view.Fixed)
	assert.True(t, view.Result.Valid)

	data, err := os.ReadFile(skill)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\r")

	res = p.run(t, "", "validate", "--type", "widget", skill)
	assert.Equal(t, exitFault, res.code)
}

func TestCLI_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--json", "version"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, exitOK, code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &v))
	assert.Equal(t, version, v["version"])
}
