package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both missing records and records owned by someone
	// else, so callers cannot probe for ids they do not own.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an update is requested while generation
	// for the same record has not finished.
	ErrConflict = errors.New("record is still processing")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
