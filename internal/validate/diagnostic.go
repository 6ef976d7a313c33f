package validate

import "strings"

// Diagnostic is one finding against an artifact. Codes starting with "E"
// block; codes starting with "W" advise.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target"`
	Field   string `json:"field,omitempty"`
	Type    string `json:"type"`
	Fixable bool   `json:"fixable,omitempty"`
}

// Blocking reports whether the diagnostic is an error-class code.
func (d Diagnostic) Blocking() bool {
	return strings.HasPrefix(d.Code, "E")
}

// Result is the verdict over a set of diagnostics.
type Result struct {
	Valid    bool         `json:"valid"`
	Strict   bool         `json:"strict"`
	Blocking []Diagnostic `json:"blocking,omitempty"`
}

// Verdict decides validity. Strict treats advisories as blocking for the
// verdict only; the diagnostics themselves keep their codes.
func Verdict(diags []Diagnostic, strict bool) Result {
	r := Result{Strict: strict}
	for _, d := range diags {
		if d.Blocking() || strict {
			r.Blocking = append(r.Blocking, d)
		}
	}
	r.Valid = len(r.Blocking) == 0
	return r
}

// Count returns the number of error-class and advisory diagnostics.
func Count(diags []Diagnostic) (errs, warnings int) {
	for _, d := range diags {
		if d.Blocking() {
			errs++
		} else {
			warnings++
		}
	}
	return errs, warnings
}
