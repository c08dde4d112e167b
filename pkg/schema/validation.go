package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single finding from workflow validation.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (i ValidationIssue) String() string {
	if i.StepID != "" {
		return fmt.Sprintf("%s (step %s): %s", i.Code, i.StepID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// ValidationResult aggregates errors and warnings from a validation
// pass. Errors block activation; warnings do not.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

func NewValidationResult() *ValidationResult {
	return &ValidationResult{}
}

func (r *ValidationResult) AddError(code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: message})
}

func (r *ValidationResult) AddErrorf(code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) AddStepError(stepID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: message, StepID: stepID})
}

func (r *ValidationResult) AddWarning(code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: message})
}

func (r *ValidationResult) AddStepWarning(stepID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: message, StepID: stepID})
}

// Merge folds another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Valid reports whether the result carries no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// ToError converts the result into a FlowError, or nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return NewErrorf(ErrCodeValidation, "workflow validation failed: %s", strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"errors": r.Errors, "warnings": r.Warnings})
}
