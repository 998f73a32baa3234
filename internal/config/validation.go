package config

import (
	"fmt"
	"slices"
	"strings"
)

// FieldError is one invalid setting.
type FieldError struct {
	Key     string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s %s\n", f.Key, f.Problem))
	}
	return sb.String()
}

// Has reports whether key failed validation.
func (e *ValidationErrors) Has(key string) bool {
	return slices.ContainsFunc(e.Fields, func(f FieldError) bool { return f.Key == key })
}

func (e *ValidationErrors) add(key, problem string) {
	e.Fields = append(e.Fields, FieldError{Key: key, Problem: problem})
}

func (e *ValidationErrors) oneOf(key, value string, valid []string) {
	if !slices.Contains(valid, value) {
		e.add(key, fmt.Sprintf("%q must be one of: %s", value, strings.Join(valid, ", ")))
	}
}

func (e *ValidationErrors) err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
