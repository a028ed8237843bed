package correlate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"herringbone/core"
	"herringbone/metrics"
	"herringbone/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// DefaultWindow bounds how far back an incident's last activity may lie
// for a new detection to attach to it.
const DefaultWindow = 30 * time.Minute

// IncidentFinder locates the attach candidate for a correlation query.
type IncidentFinder interface {
	FindCandidate(ctx context.Context, query bson.M) (*core.Incident, error)
}

// EventReader fetches the raw event document identity paths are
// resolved against.
type EventReader interface {
	GetEventDocument(ctx context.Context, id string) (map[string]interface{}, error)
}

// Engine decides whether a detection joins an existing incident or
// opens a new one.
type Engine struct {
	incidents IncidentFinder
	events    EventReader
	window    time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewEngine creates a correlation engine. A non-positive window falls
// back to DefaultWindow.
func NewEngine(incidents IncidentFinder, events EventReader, window time.Duration, logger *zap.SugaredLogger) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		incidents: incidents,
		events:    events,
		window:    window,
		now:       time.Now,
		logger:    logger,
	}
}

// Decide runs the correlation algorithm for one detection. The caller
// gets either an attach decision naming the matched incident or a
// create decision carrying the identity the new incident should record.
//
// A request naming identity paths must never degrade to the rule-only
// query: when the identity cannot be resolved (no event ids, event
// unavailable, no path resolves) the detection opens its own incident
// instead of attaching to whichever incident the rule touched last.
func (e *Engine) Decide(ctx context.Context, req core.CorrelationRequest) (*core.CorrelationDecision, error) {
	if req.RuleID == "" {
		return nil, core.ErrMissingRuleID
	}

	values := map[string]interface{}{}
	if len(req.CorrelateOn) > 0 {
		if len(req.EventIDs) == 0 {
			return e.createDecision(req.RuleID, nil, "no event ids in request"), nil
		}

		doc, err := e.events.GetEventDocument(ctx, req.EventIDs[0])
		if errors.Is(err, storage.ErrEventNotFound) {
			// A detection referencing an event we cannot see still
			// deserves an incident; it just carries no identity.
			e.logger.Warnw("Event missing for identity resolution",
				"rule_id", req.RuleID, "event_id", req.EventIDs[0])
			return e.createDecision(req.RuleID, nil, "event not found"), nil
		}
		if err != nil {
			e.logger.Errorw("Event read failed during identity resolution",
				"rule_id", req.RuleID, "event_id", req.EventIDs[0], "error", err)
			return e.createDecision(req.RuleID, nil, "event read failed"), nil
		}

		values = IdentityValues(req.CorrelateOn, doc)
		if len(values) == 0 {
			return e.createDecision(req.RuleID, nil, "no identity path resolved"), nil
		}
	}

	query := e.buildQuery(req.RuleID, values)
	candidate, err := e.incidents.FindCandidate(ctx, query)
	if err != nil {
		return nil, core.NewUpstreamError("incidentset", err)
	}

	if candidate != nil {
		metrics.CorrelationDecisions.WithLabelValues(string(core.CorrelationActionAttach)).Inc()
		e.logger.Infow("Correlated detection to existing incident",
			"rule_id", req.RuleID, "incident_id", candidate.ID.Hex())
		return &core.CorrelationDecision{
			Action:     core.CorrelationActionAttach,
			IncidentID: candidate.ID.Hex(),
		}, nil
	}

	return e.createDecision(req.RuleID, values, "no incident in window"), nil
}

// createDecision emits a create with the given identity values. reason
// distinguishes a degraded (identity-free) create from a genuine miss
// in the logs.
func (e *Engine) createDecision(ruleID string, values map[string]interface{}, reason string) *core.CorrelationDecision {
	metrics.CorrelationDecisions.WithLabelValues(string(core.CorrelationActionCreate)).Inc()
	e.logger.Infow("Requesting incident create",
		"rule_id", ruleID, "reason", reason, "identity_paths", len(values))
	return &core.CorrelationDecision{
		Action:              core.CorrelationActionCreate,
		CorrelationIdentity: NestIdentity(values),
	}
}

// buildQuery assembles the attach-candidate query: an active incident,
// touched within the window, opened by the same rule, whose recorded
// identity matches every resolved value.
func (e *Engine) buildQuery(ruleID string, values map[string]interface{}) bson.M {
	windowStart := e.now().UTC().Add(-e.window)

	// Incidents written by older deployments stored rule_id as an
	// ObjectId rather than a string, so both encodings must match.
	ruleClauses := []bson.M{{"rule_id": ruleID}}
	if oid, err := primitive.ObjectIDFromHex(ruleID); err == nil {
		ruleClauses = append(ruleClauses, bson.M{"rule_id": oid})
	}

	query := bson.M{
		"status":             bson.M{"$in": core.CorrelatableStatuses},
		"state.last_updated": bson.M{"$gte": windowStart},
		"$or":                ruleClauses,
	}

	filters := identityFilters(values)
	if len(filters) > 0 {
		query["$and"] = filters
	}
	return query
}

// identityFilters converts resolved identity values into query clauses
// on the stored correlation_identity document. List values match as
// order-insensitive sets; scalars match by equality. Clauses are sorted
// by path so the query shape is deterministic.
func identityFilters(values map[string]interface{}) []bson.M {
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	filters := make([]bson.M, 0, len(paths))
	for _, path := range paths {
		key := fmt.Sprintf("correlation_identity.%s", path)
		if items, ok := core.AsList(values[path]); ok {
			filters = append(filters, bson.M{key: bson.M{"$all": core.NormalizeList(items)}})
			continue
		}
		filters = append(filters, bson.M{key: values[path]})
	}
	return filters
}
