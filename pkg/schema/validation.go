package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks publishing a definition.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// Location points at the part of a definition an issue is about. Sequence
// and Position name a step (Position is 1-based; 0 means the sequence
// itself). Field narrows to a property below that, or below the definition
// root when Sequence is empty.
type Location struct {
	Sequence string `json:"sequence,omitempty"`
	Position int    `json:"position,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Field    string `json:"field,omitempty"`
}

// AtRoot locates a top-level property such as "start_sequence".
func AtRoot(field string) Location { return Location{Field: field} }

// AtSequence locates a whole sequence.
func AtSequence(name string) Location { return Location{Sequence: name} }

// AtStep locates the step at index i of sequence name.
func AtStep(name string, i int, stepID string) Location {
	return Location{Sequence: name, Position: i + 1, StepID: stepID}
}

// AtTrigger locates the i-th trigger.
func AtTrigger(i int) Location { return Location{Field: "triggers[" + strconv.Itoa(i) + "]"} }

// Dot narrows l to a nested field.
func (l Location) Dot(field string) Location {
	if l.Field != "" {
		field = l.Field + "." + field
	}
	l.Field = field
	return l
}

// IsStep reports whether l is inside a step.
func (l Location) IsStep() bool { return l.Sequence != "" && l.Position > 0 }

// String renders l as a dotted path, e.g. "sequences.main.actions[2].branches.Failed".
func (l Location) String() string {
	var b strings.Builder
	if l.Sequence != "" {
		b.WriteString("sequences.")
		b.WriteString(l.Sequence)
		if l.Position > 0 {
			fmt.Fprintf(&b, ".actions[%d]", l.Position-1)
		}
	}
	if l.Field != "" {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(l.Field)
	}
	return b.String()
}

// ValidationIssue is a single problem found in a definition. Path is the
// rendered Location.
type ValidationIssue struct {
	Location Location           `json:"location"`
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates the issues reported by every validation stage.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings do not block publishing.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func newIssue(loc Location, code string, sev ValidationSeverity, message string) ValidationIssue {
	return ValidationIssue{Location: loc, Path: loc.String(), Code: code, Message: message, Severity: sev}
}

// AddError records an error at loc.
func (r *ValidationResult) AddError(loc Location, code, message string) {
	r.Errors = append(r.Errors, newIssue(loc, code, SeverityError, message))
}

// AddErrorf records an error at loc with a formatted message.
func (r *ValidationResult) AddErrorf(loc Location, code, format string, args ...any) {
	r.AddError(loc, code, fmt.Sprintf(format, args...))
}

// AddWarning records a warning at loc.
func (r *ValidationResult) AddWarning(loc Location, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(loc, code, SeverityWarning, message))
}

// ForStep returns the errors and warnings reported inside the given step.
func (r *ValidationResult) ForStep(sequence, stepID string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.Location.IsStep() && is.Location.Sequence == sequence && is.Location.StepID == stepID {
				out = append(out, is)
			}
		}
	}
	return out
}

// Merge folds another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a PlaybookError when invalid, nil otherwise.
// A lone error keeps its location in the message; the details list the
// sequences that have at least one error.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" {
		msg = first.Path + ": " + msg
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition has %d errors", len(r.Errors))
	}

	var sequences []string
	seen := make(map[string]bool)
	for _, is := range r.Errors {
		if s := is.Location.Sequence; s != "" && !seen[s] {
			seen[s] = true
			sequences = append(sequences, s)
		}
	}
	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if len(sequences) > 0 {
		details["sequences"] = sequences
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
