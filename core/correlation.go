package core

// CorrelationAction is the decision a correlation request resolves to.
type CorrelationAction string

const (
	// CorrelationActionAttach joins the detection to an existing incident.
	CorrelationActionAttach CorrelationAction = "attach"
	// CorrelationActionCreate opens a new incident for the detection.
	CorrelationActionCreate CorrelationAction = "create"
)

// CorrelationRequest asks the correlation engine whether a firing
// detection belongs to an existing open incident.
type CorrelationRequest struct {
	RuleID      string   `json:"rule_id"`
	CorrelateOn []string `json:"correlate_on,omitempty"`
	EventIDs    []string `json:"event_ids,omitempty"`
}

// CorrelationDecision is the correlation engine's answer. IncidentID is
// set for attach; CorrelationIdentity is set for create when identity
// fields resolved on the event.
type CorrelationDecision struct {
	Action              CorrelationAction      `json:"action"`
	IncidentID          string                 `json:"incident_id,omitempty"`
	CorrelationIdentity map[string]interface{} `json:"correlation_identity,omitempty"`
}

// DetectionPayload is the notification the detect stage emits for a
// positive detection, consumed by the orchestrator. It is a superset of
// the correlation request.
type DetectionPayload struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name,omitempty"`
	CorrelateOn []string `json:"correlate_on,omitempty"`
	EventIDs    []string `json:"event_ids,omitempty"`
	DetectionID string   `json:"detection_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
}

// CorrelationRequest projects the payload down to the fields the
// correlation engine reads.
func (p DetectionPayload) CorrelationRequest() CorrelationRequest {
	return CorrelationRequest{
		RuleID:      p.RuleID,
		CorrelateOn: p.CorrelateOn,
		EventIDs:    p.EventIDs,
	}
}

// Orchestrator results.
const (
	ProcessResultAttached = "attached"
	ProcessResultCreated  = "created"
)

// ProcessResult reports what the orchestrator did with a detection.
type ProcessResult struct {
	Result     string `json:"result"`
	IncidentID string `json:"incident_id,omitempty"`
}
