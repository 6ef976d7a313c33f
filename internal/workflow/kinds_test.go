package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"creation", KindCreation, true},
		{"create", KindCreation, true},
		{" Verification ", KindVerification, true},
		{"verification-only", KindVerification, true},
		{"verify", KindVerification, true},
		{"refactor", KindRefactor, true},
		{"deploy", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseKind(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefinitions(t *testing.T) {
	for _, kind := range Kinds() {
		def, ok := Lookup(kind)
		assert.True(t, ok)
		assert.NotEmpty(t, def.Phases, kind)

		seen := map[string]bool{}
		verification := 0
		for _, p := range def.Phases {
			assert.False(t, seen[p.Name], "duplicate phase %s in %s", p.Name, kind)
			seen[p.Name] = true
			assert.NotEmpty(t, p.Agent)
			assert.False(t, p.GatesCategory(CategoryRead), "reads are never gated")
			if p.Verification {
				verification++
			}
		}
		assert.Equal(t, 1, verification, "%s needs exactly one verification phase", kind)
		assert.True(t, def.Last().Verification)
	}
}

func TestState_Current(t *testing.T) {
	st := &State{Kind: KindCreation, Phases: []Phase{
		{Name: "semantic", Status: StatusCompleted},
		{Name: "execute", Status: StatusFailed, Reason: "boom"},
		{Name: "verify", Status: StatusPending},
	}}
	p, ok := st.CurrentPhase()
	assert.True(t, ok)
	assert.Equal(t, "execute", p.Name)
	assert.False(t, st.Complete())
	assert.Equal(t, []string{"execute", "verify"}, st.Outstanding())

	status, ok := st.PhaseStatus("semantic")
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	c := st.Clone()
	c.Phases[0].Status = StatusPending
	assert.Equal(t, StatusCompleted, st.Phases[0].Status)
}
