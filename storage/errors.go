package storage

import (
	"errors"
	"fmt"
)

// Storage error constants
var (
	// ErrEventNotFound is returned when an event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrIncidentNotFound is returned when an incident is not found
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidIncidentID is returned for a malformed incident identifier
	ErrInvalidIncidentID = errors.New("invalid incident id")

	// ErrStateConflict is returned when an optimistic event-state update
	// matched nothing because a racing worker already claimed the item
	ErrStateConflict = errors.New("event state was claimed by another worker")

	// ErrNotFound is a generic "not found" error
	ErrNotFound = errors.New("not found")
)

// ValidationError reports a schema violation, naming the offending field.
// Rejected before any write reaches the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a schema validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
