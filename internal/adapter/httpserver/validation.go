package httpserver

import (
	"regexp"
	"strconv"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validating one input.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Task, batch and conversation ids are UUIDs or client-chosen tokens of the
// same shape. The pattern doubles as an injection guard for path params.
var validResourceID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateResourceID validates a task, batch or conversation id path param.
func ValidateResourceID(field, id string) ValidationResult {
	if id == "" {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "REQUIRED", Message: field + " is required"}},
		}
	}
	if len(id) > 100 {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "TOO_LONG", Message: field + " is too long (max 100 characters)"}},
		}
	}
	if !validResourceID.MatchString(id) {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "INVALID_FORMAT", Message: field + " contains invalid characters"}},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateLimit validates the list page size query parameter.
func ValidateLimit(limit string) ValidationResult {
	if limit == "" {
		return ValidationResult{Valid: true}
	}
	n, err := strconv.Atoi(limit)
	if err != nil || n < 1 || n > 100 {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "limit", Code: "INVALID_FORMAT", Message: "Limit must be between 1 and 100"}},
		}
	}
	return ValidationResult{Valid: true}
}
