package orchestrate

import (
	"context"
	"fmt"

	"herringbone/core"
	"herringbone/metrics"

	"go.uber.org/zap"
)

// Correlator decides how a detection relates to existing incidents.
type Correlator interface {
	Decide(ctx context.Context, req core.CorrelationRequest) (*core.CorrelationDecision, error)
}

// IncidentWriter is the incident store surface the orchestrator needs.
type IncidentWriter interface {
	Create(ctx context.Context, payload map[string]interface{}) (string, error)
	Update(ctx context.Context, id string, changes map[string]interface{}) error
}

// Orchestrator carries out correlation decisions: it is the only
// component that writes incidents on the detection path.
type Orchestrator struct {
	correlator Correlator
	incidents  IncidentWriter
	logger     *zap.SugaredLogger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(correlator Correlator, incidents IncidentWriter, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		correlator: correlator,
		incidents:  incidents,
		logger:     logger,
	}
}

// ProcessDetection routes a detection through correlation and applies
// the decision. Attach only ever appends events and detections: the
// incident's status, priority and ownership belong to its analyst.
func (o *Orchestrator) ProcessDetection(ctx context.Context, payload core.DetectionPayload) (*core.ProcessResult, error) {
	if payload.RuleID == "" {
		return nil, core.ErrMissingRuleID
	}

	decision, err := o.correlator.Decide(ctx, payload.CorrelationRequest())
	if err != nil {
		if core.IsUpstream(err) {
			return nil, err
		}
		return nil, core.NewUpstreamError("correlator", err)
	}

	switch decision.Action {
	case core.CorrelationActionAttach:
		return o.attach(ctx, payload, decision.IncidentID)
	case core.CorrelationActionCreate:
		return o.create(ctx, payload, decision.CorrelationIdentity)
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownDecision, decision.Action)
	}
}

func (o *Orchestrator) attach(ctx context.Context, payload core.DetectionPayload, incidentID string) (*core.ProcessResult, error) {
	changes := map[string]interface{}{}
	if len(payload.EventIDs) > 0 {
		changes["events"] = payload.EventIDs
	}
	if payload.DetectionID != "" {
		changes["detections"] = []string{payload.DetectionID}
	}

	if err := o.incidents.Update(ctx, incidentID, changes); err != nil {
		return nil, core.NewUpstreamError("incidentset", err)
	}

	metrics.IncidentsAttached.Inc()
	o.logger.Infow("Attached detection to incident",
		"incident_id", incidentID, "rule_id", payload.RuleID, "events", len(payload.EventIDs))
	return &core.ProcessResult{Result: core.ProcessResultAttached, IncidentID: incidentID}, nil
}

func (o *Orchestrator) create(ctx context.Context, payload core.DetectionPayload, identity map[string]interface{}) (*core.ProcessResult, error) {
	doc := map[string]interface{}{
		"title":       payload.Title,
		"description": payload.Description,
		"status":      string(core.IncidentStatusOpen),
		"priority":    payload.Priority,
		"rule_id":     payload.RuleID,
	}
	if doc["title"] == "" {
		name := payload.RuleName
		if name == "" {
			name = payload.RuleID
		}
		doc["title"] = fmt.Sprintf("Incident: %s", name)
	}
	if doc["description"] == "" {
		doc["description"] = "Automatically created from a detection."
	}
	if doc["priority"] == "" {
		doc["priority"] = string(core.IncidentPriorityMedium)
	}
	if payload.RuleName != "" {
		doc["rule_name"] = payload.RuleName
	}
	if len(identity) > 0 {
		doc["correlation_identity"] = identity
	}
	if len(payload.EventIDs) > 0 {
		doc["events"] = payload.EventIDs
	}
	if payload.DetectionID != "" {
		doc["detections"] = []string{payload.DetectionID}
	}

	id, err := o.incidents.Create(ctx, doc)
	if err != nil {
		return nil, core.NewUpstreamError("incidentset", err)
	}

	metrics.IncidentsCreated.Inc()
	o.logger.Infow("Created incident from detection",
		"incident_id", id, "rule_id", payload.RuleID, "priority", doc["priority"])
	return &core.ProcessResult{Result: core.ProcessResultCreated, IncidentID: id}, nil
}
