package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Settings is a host hook registration file (hooks/hooks.json). Unknown
// top-level keys are preserved.
type Settings struct {
	Hooks map[string][]Matcher `json:"hooks"`
	extra map[string]json.RawMessage
}

// Matcher binds commands to the tools an event applies to.
type Matcher struct {
	Matcher string    `json:"matcher,omitempty"`
	Hooks   []Command `json:"hooks"`
}

// Command is one registered hook command.
type Command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// LoadSettings reads a registration file. A missing file yields empty
// settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Settings{Hooks: map[string][]Matcher{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hook settings: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse hook settings: %w", err)
	}
	s := &Settings{Hooks: map[string][]Matcher{}, extra: doc}
	if raw, ok := doc["hooks"]; ok {
		if err := json.Unmarshal(raw, &s.Hooks); err != nil {
			return nil, fmt.Errorf("failed to parse hook settings: %w", err)
		}
		delete(s.extra, "hooks")
	}
	return s, nil
}

// Install registers `<command> hook <category>` for every category,
// replacing earlier forge registrations and leaving other commands alone.
// It reports whether anything changed.
func (s *Settings) Install(command string, timeout time.Duration) bool {
	if s.Hooks == nil {
		s.Hooks = map[string][]Matcher{}
	}
	secs := int(math.Ceil(timeout.Seconds()))
	changed := false
	for _, c := range Categories() {
		event := c.HostEvent()
		want := Command{Type: "command", Command: command + " hook " + string(c), Timeout: secs}

		kept := make([]Matcher, 0, len(s.Hooks[event])+1)
		found := false
		for _, m := range s.Hooks[event] {
			cmds := m.Hooks[:0:0]
			for _, cmd := range m.Hooks {
				if isForgeCommand(cmd.Command, c) {
					if cmd == want && !found {
						found = true
						cmds = append(cmds, cmd)
					} else {
						changed = true
					}
					continue
				}
				cmds = append(cmds, cmd)
			}
			if len(cmds) > 0 {
				m.Hooks = cmds
				kept = append(kept, m)
			}
		}
		if !found {
			kept = append(kept, Matcher{Hooks: []Command{want}})
			changed = true
		}
		s.Hooks[event] = kept
	}
	return changed
}

func isForgeCommand(cmd string, c Category) bool {
	fields := strings.Fields(cmd)
	n := len(fields)
	return n >= 3 && fields[n-2] == "hook" && fields[n-1] == string(c) &&
		strings.TrimSuffix(filepath.Base(fields[n-3]), ".exe") == "forge"
}

// Save writes the settings atomically.
func (s *Settings) Save(path string) error {
	doc := make(map[string]any, len(s.extra)+1)
	for k, v := range s.extra {
		doc[k] = v
	}
	doc["hooks"] = s.Hooks

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode hook settings: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create hook settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hooks-*.json")
	if err != nil {
		return fmt.Errorf("failed to write hook settings: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write hook settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write hook settings: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write hook settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write hook settings: %w", err)
	}
	return nil
}
