// Package marketplace reads and updates a plugin's marketplace manifest,
// the file that lists which skills, commands and agents the plugin ships.
//
// Layout:
//
//	{plugin root}/
//	├── .claude-plugin/
//	│   └── marketplace.json   ← plugins[0].skills / .commands / .agents
//	├── skills/{name}/SKILL.md
//	├── commands/{name}.md
//	└── agents/{name}.md
package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Errors for manifest operations.
var (
	ErrNotFound       = errors.New("marketplace manifest not found")
	ErrCorrupted      = errors.New("marketplace manifest corrupted")
	ErrNoPlugins      = errors.New("marketplace manifest has no plugins")
	ErrUnknownSection = errors.New("unknown marketplace section")
)

// Sections that list plugin components.
const (
	SectionSkills   = "skills"
	SectionCommands = "commands"
	SectionAgents   = "agents"
)

// RelPath is the manifest location relative to the plugin root.
var RelPath = filepath.Join(".claude-plugin", "marketplace.json")

// Manifest is a loaded marketplace.json. Fields this package does not
// manage are preserved on save.
type Manifest struct {
	mu   sync.RWMutex
	path string
	doc  map[string]any
}

// PathFor returns the manifest path of the plugin rooted at root.
func PathFor(root string) string {
	return filepath.Join(root, RelPath)
}

// Load reads the manifest of the plugin rooted at root.
func Load(root string) (*Manifest, error) {
	path := PathFor(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrCorrupted)
	}
	return &Manifest{path: path, doc: doc}, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string { return m.path }

// Has reports whether entry is listed in section of the first plugin.
func (m *Manifest) Has(section, entry string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plugin, ok := m.firstPlugin()
	if !ok {
		return false
	}
	for _, e := range stringList(plugin[section]) {
		if normalize(e) == normalize(entry) {
			return true
		}
	}
	return false
}

// Register adds entry to section of the first plugin. It reports false
// when the entry was already listed.
func (m *Manifest) Register(section, entry string) (bool, error) {
	switch section {
	case SectionSkills, SectionCommands, SectionAgents:
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plugin, ok := m.firstPlugin()
	if !ok {
		return false, ErrNoPlugins
	}
	existing := stringList(plugin[section])
	for _, e := range existing {
		if normalize(e) == normalize(entry) {
			return false, nil
		}
	}
	plugin[section] = append(existing, entry)
	return true, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.doc, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')

	mode := os.FileMode(0o644)
	if info, err := os.Stat(m.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".marketplace-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// Entry expands an entry template for artifact. "{dir}" is the name of
// the artifact's parent directory and "{file}" its base name.
func Entry(template, artifact string) string {
	clean := filepath.Clean(artifact)
	r := strings.NewReplacer(
		"{dir}", filepath.Base(filepath.Dir(clean)),
		"{file}", filepath.Base(clean),
	)
	return r.Replace(template)
}

func (m *Manifest) firstPlugin() (map[string]any, bool) {
	plugins, ok := m.doc["plugins"].([]any)
	if !ok || len(plugins) == 0 {
		return nil, false
	}
	plugin, ok := plugins[0].(map[string]any)
	return plugin, ok
}

func stringList(v any) []any {
	list, _ := v.([]any)
	return list
}

func normalize(v any) string {
	s, _ := v.(string)
	return strings.TrimSuffix(strings.TrimPrefix(s, "./"), "/")
}
