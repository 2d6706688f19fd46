package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// NodePath is the issue path of the i-th workflow node.
func NodePath(i int) string {
	return fmt.Sprintf("nodes[%d]", i)
}

// TransitionPath is the issue path of transition j of the node at nodePath.
func TransitionPath(nodePath string, j int) string {
	return fmt.Sprintf("%s.transitions[%d]", nodePath, j)
}

// BranchPath is the issue path of branch j in the PARALLEL config at configPath.
func BranchPath(configPath string, j int) string {
	return fmt.Sprintf("%s.branches[%d]", configPath, j)
}

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// At returns the errors located at path or below it.
func (r *ValidationResult) At(path string) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range r.Errors {
		if issue.Path == path || strings.HasPrefix(issue.Path, path+".") || strings.HasPrefix(issue.Path, path+"[") {
			out = append(out, issue)
		}
	}
	return out
}

// HasErrorCode reports whether any error carries code.
func (r *ValidationResult) HasErrorCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" && first.Path != "/" {
		msg = first.Path + ": " + first.Message
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow has %d errors; first at %s: %s", len(r.Errors), first.Path, first.Message)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
