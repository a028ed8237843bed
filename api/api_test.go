package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herringbone/config"
	"herringbone/core"
	"herringbone/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeIncidents struct {
	createID  string
	createErr error
	updateErr error
	incident  *core.Incident
	getErr    error
	list      []core.Incident
}

func (f *fakeIncidents) Create(_ context.Context, _ map[string]interface{}) (string, error) {
	return f.createID, f.createErr
}
func (f *fakeIncidents) Update(_ context.Context, _ string, _ map[string]interface{}) error {
	return f.updateErr
}
func (f *fakeIncidents) Get(_ context.Context, _ string) (*core.Incident, error) {
	return f.incident, f.getErr
}
func (f *fakeIncidents) List(_ context.Context, _ int64) ([]core.Incident, error) {
	return f.list, nil
}

type fakeEvents struct {
	event  *core.Event
	getErr error
}

func (f *fakeEvents) GetEvent(_ context.Context, _ string) (*core.Event, error) {
	return f.event, f.getErr
}
func (f *fakeEvents) GetEvents(_ context.Context, _ int64) ([]core.Event, error) {
	return nil, nil
}
func (f *fakeEvents) GetState(_ context.Context, _ string) (*core.EventState, error) {
	return nil, nil
}

type fakeRules struct {
	rules []core.Rule
}

func (f *fakeRules) LoadRules(_ context.Context) ([]core.Rule, error) { return f.rules, nil }
func (f *fakeRules) GetRule(_ context.Context, _ string) (*core.Rule, error) {
	return nil, storage.ErrRuleNotFound
}
func (f *fakeRules) UpsertRule(_ context.Context, _ map[string]interface{}) error { return nil }
func (f *fakeRules) DeleteRule(_ context.Context, _ string) error                 { return nil }

type fakeAPICorrelator struct {
	decision *core.CorrelationDecision
	err      error
}

func (f *fakeAPICorrelator) Decide(_ context.Context, _ core.CorrelationRequest) (*core.CorrelationDecision, error) {
	return f.decision, f.err
}

type fakeProcessor struct {
	result *core.ProcessResult
	err    error
}

func (f *fakeProcessor) ProcessDetection(_ context.Context, _ core.DetectionPayload) (*core.ProcessResult, error) {
	return f.result, f.err
}

type fakeHealth struct{ err error }

func (f *fakeHealth) HealthCheck(_ context.Context) error { return f.err }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.Auth.Enabled = false
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.TokenExpiry = time.Hour
	cfg.Detect.RegexTimeout = 500 * time.Millisecond
	return cfg
}

type apiFixture struct {
	api        *API
	incidents  *fakeIncidents
	correlator *fakeAPICorrelator
	processor  *fakeProcessor
	health     *fakeHealth
}

func newFixture(t *testing.T, cfg *config.Config) *apiFixture {
	f := &apiFixture{
		incidents:  &fakeIncidents{createID: "deadbeefdeadbeefdeadbeef"},
		correlator: &fakeAPICorrelator{decision: &core.CorrelationDecision{Action: core.CorrelationActionCreate}},
		processor:  &fakeProcessor{result: &core.ProcessResult{Result: core.ProcessResultCreated, IncidentID: "id-1"}},
		health:     &fakeHealth{},
	}
	f.api = NewAPI(cfg, f.incidents, &fakeEvents{getErr: storage.ErrEventNotFound}, &fakeRules{},
		f.correlator, f.processor, f.health, zaptest.NewLogger(t).Sugar())
	return f
}

func (f *apiFixture) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func TestProcessDetectionStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing rule id", core.ErrMissingRuleID, http.StatusBadRequest},
		{"upstream failure", core.NewUpstreamError("incidentset", errors.New("down")), http.StatusBadGateway},
		{"unknown decision", core.ErrUnknownDecision, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.processor.err = tc.err
			rec := f.do("POST", "/incidents/orchestrator/process_detection",
				map[string]string{"rule_id": "r"}, nil)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestProcessDetectionSuccess(t *testing.T) {
	f := newFixture(t, testConfig())
	rec := f.do("POST", "/incidents/orchestrator/process_detection",
		map[string]string{"rule_id": "r"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result core.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, core.ProcessResultCreated, result.Result)
	assert.Equal(t, "id-1", result.IncidentID)
}

func TestCreateIncidentValidationError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.incidents.createErr = &storage.ValidationError{Field: "status", Message: "must be one of open, investigating, resolved"}

	rec := f.do("POST", "/incidents/incidentset/insert",
		map[string]string{"title": "t", "status": "bogus", "priority": "low"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateIncidentNotFound(t *testing.T) {
	f := newFixture(t, testConfig())
	f.incidents.updateErr = storage.ErrIncidentNotFound

	rec := f.do("POST", "/incidents/incidentset/update/deadbeefdeadbeefdeadbeef",
		map[string]string{"status": "resolved"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEventNotFound(t *testing.T) {
	f := newFixture(t, testConfig())
	rec := f.do("GET", "/herringbone/logs/events/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture(t, testConfig())
	req := httptest.NewRequest("POST", "/incidents/incidentset/insert",
		bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchRuleEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do("POST", "/detectionengine/matcher/match", map[string]interface{}{
		"rule":     map[string]interface{}{"key": "message", "regex": "Failed password"},
		"log_data": map[string]interface{}{"message": "Failed password for root"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Matched bool `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Matched)
}

func TestMatchRuleRejectsAmbiguousBody(t *testing.T) {
	f := newFixture(t, testConfig())

	rec := f.do("POST", "/detectionengine/matcher/match", map[string]interface{}{
		"rule":     map[string]interface{}{"regex": "x", "jsonpath": "$.x"},
		"log_data": map[string]interface{}{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", nil, nil).Code)

	f.health.err = errors.New("mongo unreachable")
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/health", nil, nil).Code)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	f := newFixture(t, cfg)

	t.Run("missing token", func(t *testing.T) {
		rec := f.do("GET", "/detectionengine/ruleset/rules", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := f.do("GET", "/detectionengine/ruleset/rules", nil,
			map[string]string{"Authorization": "Bearer not-a-jwt"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong scope", func(t *testing.T) {
		token, _, err := IssueServiceToken("parser", []string{ScopeIncidentsRead}, cfg)
		require.NoError(t, err)
		rec := f.do("GET", "/detectionengine/ruleset/rules", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := IssueServiceToken("detector", []string{ScopeRulesRead}, cfg)
		require.NoError(t, err)
		rec := f.do("GET", "/detectionengine/ruleset/rules", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := testConfig()
		other.Auth.Secret = "ffffffffffffffffffffffffffffffff"
		token, _, err := IssueServiceToken("detector", []string{ScopeRulesRead}, other)
		require.NoError(t, err)
		rec := f.do("GET", "/detectionengine/ruleset/rules", nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health needs no token", func(t *testing.T) {
		rec := f.do("GET", "/health", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit.RequestsPerSecond = 1
	cfg.API.RateLimit.Burst = 2
	f := newFixture(t, cfg)

	headers := map[string]string{"X-Forwarded-For": "203.0.113.7"}
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", nil, headers).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", nil, headers).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do("GET", "/health", nil, headers).Code)

	// A different client has its own budget.
	other := map[string]string{"X-Forwarded-For": "203.0.113.8"}
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", nil, other).Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, "192.0.2.10", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestQueryLimit(t *testing.T) {
	newReq := func(q string) *http.Request {
		return httptest.NewRequest("GET", "/incidents/incidentset/incidents"+q, nil)
	}
	assert.Equal(t, int64(defaultListLimit), queryLimit(newReq("")))
	assert.Equal(t, int64(50), queryLimit(newReq("?limit=50")))
	assert.Equal(t, int64(defaultListLimit), queryLimit(newReq("?limit=0")))
	assert.Equal(t, int64(defaultListLimit), queryLimit(newReq("?limit=99999")))
	assert.Equal(t, int64(defaultListLimit), queryLimit(newReq("?limit=abc")))
}
