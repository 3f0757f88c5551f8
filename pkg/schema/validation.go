package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found by workflow validation. Path
// locates it in the document (nodes[2].data, edges[e1]); NodeID is set when
// the editor can highlight a node.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
	NodeID   string             `json:"nodeId,omitempty"`
}

// ValidationResult aggregates every issue found in a workflow document.
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

// AddNodeError appends an error-severity issue attributed to nodeID.
func (r *ValidationResult) AddNodeError(path, nodeID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError, NodeID: nodeID,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// AddNodeWarning appends a warning-severity issue attributed to nodeID.
func (r *ValidationResult) AddNodeWarning(path, nodeID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning, NodeID: nodeID,
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

// ToError converts the result to a VALIDATION_ERROR FlowError if invalid,
// nil if valid. A single error keeps its own code and node.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if len(r.Errors) == 1 {
		first := r.Errors[0]
		fe := NewError(first.Code, first.Message).WithDetails(details)
		if first.NodeID != "" {
			fe = fe.WithNode(first.NodeID)
		}
		return fe
	}
	return NewError(ErrCodeValidation, fmt.Sprintf("validation failed with %d errors", len(r.Errors))).
		WithDetails(details)
}
