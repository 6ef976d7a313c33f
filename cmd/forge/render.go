package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chkim-su/forge2/internal/archive"
	"github.com/chkim-su/forge2/internal/validate"
	"github.com/chkim-su/forge2/internal/workflow"
)

// styles are bound to one output. Writers that are not terminals get a
// renderer without color, so piped output and tests stay plain.
type styles struct {
	header  lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	done    lipgloss.Style
	active  lipgloss.Style
	failed  lipgloss.Style
	warning lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
		label:   r.NewStyle().Foreground(lipgloss.Color("45")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("245")),
		done:    r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		active:  r.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
		failed:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

func (s styles) phaseMark(status workflow.Status) string {
	switch status {
	case workflow.StatusCompleted:
		return s.done.Render("✓")
	case workflow.StatusInProgress:
		return s.active.Render("▶")
	case workflow.StatusFailed:
		return s.failed.Render("✗")
	default:
		return s.dim.Render("·")
	}
}

func renderState(w io.Writer, sessionID string, st *workflow.State) {
	s := newStyles(w)
	fmt.Fprintf(w, "%s %s %s\n", s.header.Render(string(st.Kind)), s.dim.Render("workflow"), st.ID)
	fmt.Fprintf(w, "%s %s  %s %d\n", s.label.Render("session:"), sessionID, s.label.Render("revision:"), st.Revision)

	def, _ := st.Definition()
	for _, p := range st.Phases {
		line := fmt.Sprintf("  %s %-10s %s", s.phaseMark(p.Status), p.Name, s.dim.Render(string(p.Status)))
		if pd, ok := def.Phase(p.Name); ok && pd.Agent != "" {
			line += s.dim.Render("  (" + pd.Agent + ")")
		}
		if p.Reason != "" {
			line += "  " + s.failed.Render(p.Reason)
		}
		fmt.Fprintln(w, line)
	}

	if st.Complete() {
		fmt.Fprintln(w, s.done.Render("all phases complete"))
	}

	if len(st.Context) > 0 {
		fmt.Fprintln(w, s.label.Render("context:"))
		keys := make([]string, 0, len(st.Context))
		for k := range st.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, st.Context[k])
		}
	}
	if len(st.GeneratedFiles) > 0 {
		fmt.Fprintln(w, s.label.Render("generated files:"))
		for _, f := range st.GeneratedFiles {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
}

func renderReport(w io.Writer, report *validate.Report) {
	s := newStyles(w)
	for _, f := range report.Files {
		errs, warns := validate.Count(f.Diagnostics)
		mark := s.done.Render("✓")
		switch {
		case errs > 0:
			mark = s.failed.Render("✗")
		case warns > 0:
			mark = s.warning.Render("!")
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, f.Path, s.dim.Render("("+f.Type+")"))
		for _, d := range f.Diagnostics {
			code := s.warning.Render(d.Code)
			if d.Blocking() {
				code = s.failed.Render(d.Code)
			}
			field := ""
			if d.Field != "" {
				field = s.dim.Render(" [" + d.Field + "]")
			}
			fmt.Fprintf(w, "    %s %s%s\n", code, d.Message, field)
		}
	}
	for _, p := range report.Skipped {
		fmt.Fprintf(w, "%s %s %s\n", s.dim.Render("-"), p, s.dim.Render("(no schema)"))
	}

	errs, warns := validate.Count(report.Diagnostics())
	summary := fmt.Sprintf("%d file(s), %d error(s), %d warning(s)", len(report.Files), errs, warns)
	if report.Result.Strict {
		summary += ", strict"
	}
	if report.Result.Valid {
		fmt.Fprintln(w, s.done.Render("valid")+s.dim.Render(": "+summary))
	} else {
		fmt.Fprintln(w, s.failed.Render("invalid")+s.dim.Render(": "+summary))
	}
}

func renderHistory(w io.Writer, records []*archive.Record) {
	s := newStyles(w)
	if len(records) == 0 {
		fmt.Fprintln(w, s.dim.Render("no archived workflows"))
		return
	}
	for _, r := range records {
		state := s.warning.Render("incomplete")
		if r.Complete {
			state = s.done.Render("complete")
		}
		fmt.Fprintf(w, "%s  %-12s %-7s %s  %s %s\n",
			s.dim.Render(r.ArchivedAt.Local().Format(time.DateTime)),
			s.header.Render(string(r.Kind)),
			r.Outcome,
			state,
			s.label.Render("session"), r.SessionID,
		)
		var phases []string
		for _, p := range r.Phases {
			phases = append(phases, s.phaseMark(p.Status)+" "+p.Name)
		}
		fmt.Fprintf(w, "    %s\n", strings.Join(phases, "  "))
	}
}
