package schema

import "strings"

// ValidationIssue is one structural problem, located by path
// (e.g. "groups[1].steps[0]").
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects every issue found, not only the first.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

// ToError folds the issues into one VALIDATION_ERROR, or nil when valid.
// The message lists every issue; Details carries them structured.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	parts := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		parts[i] = issue.String()
	}
	return NewError(ErrCodeValidation, strings.Join(parts, "; ")).
		WithDetails(map[string]any{"issues": r.Errors})
}
