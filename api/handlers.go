package api

import (
	"errors"
	"net/http"
	"strconv"

	"herringbone/core"
	"herringbone/match"
	"herringbone/storage"

	"github.com/gorilla/mux"
)

const maxRequestBody = 1 << 20 // 1 MiB

const defaultListLimit = 100

// statusForError maps domain errors onto HTTP status codes: caller
// mistakes are 400s, absent resources 404s, failed dependencies 502s.
func statusForError(err error) int {
	var verr *storage.ValidationError
	switch {
	case errors.Is(err, core.ErrMissingRuleID),
		errors.Is(err, storage.ErrInvalidIncidentID),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrIncidentNotFound),
		errors.Is(err, storage.ErrEventNotFound),
		errors.Is(err, storage.ErrRuleNotFound):
		return http.StatusNotFound
	case core.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// correlate handles POST /incidents/correlator/correlate
func (a *API) correlate(w http.ResponseWriter, r *http.Request) {
	var req core.CorrelationRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid correlation request", err, a.logger)
		return
	}

	decision, err := a.correlator.Decide(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), "Correlation failed", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, decision, a.logger)
}

// processDetection handles POST /incidents/orchestrator/process_detection
func (a *API) processDetection(w http.ResponseWriter, r *http.Request) {
	var payload core.DetectionPayload
	if err := decodeJSON(r, maxRequestBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid detection payload", err, a.logger)
		return
	}

	result, err := a.orchestrator.ProcessDetection(r.Context(), payload)
	if err != nil {
		writeError(w, statusForError(err), "Failed to process detection", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result, a.logger)
}

// createIncident handles POST /incidents/incidentset/insert
func (a *API) createIncident(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeJSON(r, maxRequestBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid incident payload", err, a.logger)
		return
	}

	id, err := a.incidents.Create(r.Context(), payload)
	if err != nil {
		writeError(w, statusForError(err), "Failed to create incident", err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id}, a.logger)
}

// updateIncident handles POST /incidents/incidentset/update/{id}
func (a *API) updateIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var changes map[string]interface{}
	if err := decodeJSON(r, maxRequestBody, &changes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid incident update", err, a.logger)
		return
	}

	if err := a.incidents.Update(r.Context(), id, changes); err != nil {
		writeError(w, statusForError(err), "Failed to update incident", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id}, a.logger)
}

// getIncident handles GET /incidents/incidentset/incidents/{id}
func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := a.incidents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), "Failed to get incident", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, incident, a.logger)
}

// listIncidents handles GET /incidents/incidentset/incidents
func (a *API) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := a.incidents.List(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, statusForError(err), "Failed to list incidents", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, incidents, a.logger)
}

// getEvent handles GET /herringbone/logs/events/{id}
func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	event, err := a.events.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), "Failed to get event", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, event, a.logger)
}

// getEvents handles GET /herringbone/logs/events
func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.events.GetEvents(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, statusForError(err), "Failed to get events", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, events, a.logger)
}

// matchRuleRequest is the body of the matcher endpoint.
type matchRuleRequest struct {
	Rule    core.RuleBody          `json:"rule"`
	LogData map[string]interface{} `json:"log_data"`
}

// matchRule handles POST /detectionengine/matcher/match
func (a *API) matchRule(w http.ResponseWriter, r *http.Request) {
	var req matchRuleRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid match request", err, a.logger)
		return
	}

	result, err := match.Evaluate(req.Rule, req.LogData, a.config.Detect.RegexTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unmatchable rule body", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result, a.logger)
}

// getRules handles GET /detectionengine/ruleset/rules
func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.rules.LoadRules(r.Context())
	if err != nil {
		writeError(w, statusForError(err), "Failed to load rules", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rules, a.logger)
}

// getRule handles GET /detectionengine/ruleset/rules/{name}
func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.rules.GetRule(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, statusForError(err), "Failed to get rule", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rule, a.logger)
}

// upsertRule handles POST /detectionengine/ruleset/rules
func (a *API) upsertRule(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeJSON(r, maxRequestBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule payload", err, a.logger)
		return
	}

	if err := a.rules.UpsertRule(r.Context(), payload); err != nil {
		writeError(w, statusForError(err), "Failed to store rule", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": payload["name"]}, a.logger)
}

// deleteRule handles DELETE /detectionengine/ruleset/rules/{name}
func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.rules.DeleteRule(r.Context(), name); err != nil {
		writeError(w, statusForError(err), "Failed to delete rule", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name}, a.logger)
}

// healthCheck handles GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.health.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}

func queryLimit(r *http.Request) int64 {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 1 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
