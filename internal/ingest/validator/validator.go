// Package validator provides input validation for upload and ingestion
// requests. It enforces name, size, and file-type constraints and returns
// per-field error details.
package validator

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// ValidateUpload checks an upload's name, size, and extension against the
// configured limits.
func ValidateUpload(name string, sizeBytes int64, maxSize int64, allowedTypes []string) error {
	errs := make(map[string]string)

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		errs["name"] = "name is required"
	} else if len(trimmed) > maxNameLength {
		errs["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLength)
	} else if ext := strings.ToLower(filepath.Ext(trimmed)); !allowed(ext, allowedTypes) {
		errs["name"] = fmt.Sprintf("file type %q is not accepted", ext)
	}

	if sizeBytes <= 0 {
		errs["content"] = "content must not be empty"
	} else if maxSize > 0 && sizeBytes > maxSize {
		errs["content"] = fmt.Sprintf("content exceeds maximum size of %d bytes", maxSize)
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func allowed(ext string, allowedTypes []string) bool {
	if len(allowedTypes) == 0 {
		return true
	}
	for _, t := range allowedTypes {
		if ext == strings.ToLower(t) {
			return true
		}
	}
	return false
}
