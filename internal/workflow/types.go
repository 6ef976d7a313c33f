package workflow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one phase.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase is one ordered stage of a workflow run.
type Phase struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	// Reason is set when the phase fails.
	Reason string `json:"reason,omitempty"`
}

// State is the persisted record of one workflow run.
type State struct {
	ID             string            `json:"workflow_id"`
	Kind           Kind              `json:"workflow_kind"`
	Phases         []Phase           `json:"phases"`
	Context        map[string]string `json:"context"`
	GeneratedFiles []string          `json:"generated_files"`
	Revision       int64             `json:"revision"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Current returns the index of the first non-completed phase, or -1 when
// every phase is completed.
func (s *State) Current() int {
	for i, p := range s.Phases {
		if p.Status != StatusCompleted {
			return i
		}
	}
	return -1
}

// CurrentPhase returns the current phase and whether one exists.
func (s *State) CurrentPhase() (Phase, bool) {
	i := s.Current()
	if i < 0 {
		return Phase{}, false
	}
	return s.Phases[i], true
}

// Complete reports whether every phase is completed.
func (s *State) Complete() bool {
	return len(s.Phases) > 0 && s.Current() < 0
}

// Outstanding returns the names of phases that are not completed.
func (s *State) Outstanding() []string {
	var names []string
	for _, p := range s.Phases {
		if p.Status != StatusCompleted {
			names = append(names, p.Name)
		}
	}
	return names
}

// PhaseStatus returns the status of the named phase.
func (s *State) PhaseStatus(name string) (Status, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p.Status, true
		}
	}
	return "", false
}

// HasFile reports whether path is already recorded.
func (s *State) HasFile(path string) bool {
	for _, f := range s.GeneratedFiles {
		if f == path {
			return true
		}
	}
	return false
}

// Definition returns the phase definitions of the state's kind.
func (s *State) Definition() (Definition, bool) {
	return Lookup(s.Kind)
}

// Clone returns a deep copy so callers cannot mutate a stored record.
func (s *State) Clone() *State {
	c := *s
	c.Phases = append([]Phase(nil), s.Phases...)
	c.GeneratedFiles = make([]string, len(s.GeneratedFiles))
	copy(c.GeneratedFiles, s.GeneratedFiles)
	c.Context = make(map[string]string, len(s.Context))
	for k, v := range s.Context {
		c.Context[k] = v
	}
	return &c
}

// validate checks the invariants every persisted record must hold.
func (s *State) validate() error {
	def, ok := Lookup(s.Kind)
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrCorrupted, ErrUnknownKind, s.Kind)
	}
	if len(s.Phases) != len(def.Phases) {
		return ErrCorrupted
	}
	current := s.Current()
	for i, p := range s.Phases {
		if p.Name != def.Phases[i].Name {
			return ErrCorrupted
		}
		if current >= 0 && i > current && p.Status != StatusPending {
			return ErrCorrupted
		}
	}
	return nil
}
