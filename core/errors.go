package core

import (
	"errors"
	"fmt"
)

// Contract errors surfaced at the API boundary.
var (
	// ErrMissingRuleID is returned when a correlation or detection payload
	// omits the rule identifier. Maps to a client error.
	ErrMissingRuleID = errors.New("missing rule_id")

	// ErrUnknownDecision is returned when the correlation engine yields an
	// action the orchestrator does not recognize. This is a programming
	// contract violation, not bad input.
	ErrUnknownDecision = errors.New("unknown correlation decision")
)

// UpstreamError wraps a failed call to a dependent service (matcher,
// events API, incident store). It maps to a gateway error at the HTTP
// boundary and to EventState.Error inside pipeline stages.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NewUpstreamError wraps err as a failure of the named service.
func NewUpstreamError(service string, err error) error {
	return &UpstreamError{Service: service, Err: err}
}

// IsUpstream reports whether err originates from a dependent service call.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
