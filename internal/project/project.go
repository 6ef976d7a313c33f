package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Common errors.
var (
	ErrEmptyProjectPath   = errors.New("project path cannot be empty")
	ErrInvalidProjectPath = errors.New("invalid project path")
)

// PluginDir is the directory that marks a plugin root.
const PluginDir = ".claude-plugin"

// Project describes the detected project.
type Project struct {
	// Root is the absolute project root.
	Root string `json:"root"`

	// Name is the base name of Root.
	Name string `json:"name"`

	// Git reports whether Root is a git worktree.
	Git bool `json:"git"`

	// Branch is the checked-out branch, empty when detached or not git.
	Branch string `json:"branch,omitempty"`
}

// Detect finds the project enclosing dir.
func Detect(dir string) (*Project, error) {
	if dir == "" {
		return nil, ErrEmptyProjectPath
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProjectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProjectPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidProjectPath, abs)
	}

	if p := detectGit(abs); p != nil {
		return p, nil
	}
	root := findUp(abs, PluginDir)
	if root == "" {
		root = abs
	}
	return &Project{Root: root, Name: filepath.Base(root)}, nil
}

// detectGit opens the repository enclosing dir, returning nil when there
// is none or it has no worktree.
func detectGit(dir string) *Project {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil
	}
	root := wt.Filesystem.Root()
	p := &Project{Root: root, Name: filepath.Base(root), Git: true}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		p.Branch = head.Name().Short()
	}
	return p
}

// findUp returns the nearest ancestor of dir (dir included) containing a
// directory named marker.
func findUp(dir, marker string) string {
	for {
		if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Resolve returns path unchanged when absolute and relative to the project
// root otherwise.
func (p *Project) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Root, path)
}

// Rel returns path relative to the root when it lies inside the project.
func (p *Project) Rel(path string) string {
	abs := p.Resolve(path)
	rel, err := filepath.Rel(p.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return rel
}
