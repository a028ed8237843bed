package detect

import (
	"context"
	"errors"
	"testing"

	"herringbone/core"
	"herringbone/match"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"
)

type fakeDetectionStore struct {
	state       *core.EventState
	findErr     error
	doc         map[string]interface{}
	docErr      error
	insertedRec *core.DetectionRecord
	insertID    string
	insertErr   error

	updates []stateUpdate
}

type stateUpdate struct {
	eventID   string
	predicate bson.M
	set       bson.M
}

func (f *fakeDetectionStore) FindOnePending(_ context.Context, _ bson.M) (*core.EventState, error) {
	return f.state, f.findErr
}

func (f *fakeDetectionStore) UpdateStateWhere(_ context.Context, eventID string, predicate bson.M, set bson.M) error {
	f.updates = append(f.updates, stateUpdate{eventID: eventID, predicate: predicate, set: set})
	return nil
}

func (f *fakeDetectionStore) GetEventDocument(_ context.Context, _ string) (map[string]interface{}, error) {
	return f.doc, f.docErr
}

func (f *fakeDetectionStore) InsertDetection(_ context.Context, rec *core.DetectionRecord) (string, error) {
	f.insertedRec = rec
	return f.insertID, f.insertErr
}

type staticRuleSource struct {
	rules []core.Rule
	err   error
}

func (s *staticRuleSource) Rules(_ context.Context) ([]core.Rule, error) {
	return s.rules, s.err
}

type fakeNotifier struct {
	payloads []core.DetectionPayload
	err      error
}

func (f *fakeNotifier) NotifyDetection(_ context.Context, payload core.DetectionPayload) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

func regexRule(name string, severity int, key, pattern string, correlateOn ...string) core.Rule {
	return core.Rule{
		Name:        name,
		Severity:    severity,
		Body:        core.RuleBody{Key: key, Regex: pattern},
		CorrelateOn: correlateOn,
	}
}

func TestAggregate(t *testing.T) {
	sev := func(analysis core.Analysis) (int, bool) {
		s, _, _ := aggregate(analysis)
		if s == nil {
			return 0, false
		}
		return *s, true
	}

	t.Run("no matches yields nil severity", func(t *testing.T) {
		analysis := core.Analysis{Details: []core.RuleEvaluation{
			{RuleName: "a", Severity: 50},
		}}
		_, matched := sev(analysis)
		assert.False(t, matched)
	})

	t.Run("max severity wins, first match is primary", func(t *testing.T) {
		analysis := core.Analysis{Details: []core.RuleEvaluation{
			{RuleName: "low", Severity: 30, Matched: true},
			{RuleName: "high", Severity: 95, Matched: true},
			{RuleName: "skipped", Severity: 99, Matched: false},
		}}
		severity, _, primary := aggregate(analysis)
		require.NotNil(t, severity)
		assert.Equal(t, 95, *severity)
		assert.Equal(t, "low", primary.RuleName)
	})

	t.Run("correlate_on unions across matched rules", func(t *testing.T) {
		analysis := core.Analysis{Details: []core.RuleEvaluation{
			{RuleName: "a", Matched: true, CorrelateOn: []string{"src.ip", "user"}},
			{RuleName: "b", Matched: true, CorrelateOn: []string{"user", "host"}},
			{RuleName: "c", Matched: false, CorrelateOn: []string{"ignored"}},
		}}
		_, correlateOn, _ := aggregate(analysis)
		assert.Equal(t, []string{"src.ip", "user", "host"}, correlateOn)
	})
}

func TestSanitizeEvent(t *testing.T) {
	doc := map[string]interface{}{
		"_id":         "ev-1",
		"event_time":  "2024-05-01T00:00:00Z",
		"ingested_at": "2024-05-01T00:00:01Z",
		"message":     "login failed",
		"src":         map[string]interface{}{"ip": "10.0.0.5"},
	}

	out := sanitizeEvent(doc)

	assert.NotContains(t, out, "_id")
	assert.NotContains(t, out, "event_time")
	assert.NotContains(t, out, "ingested_at")
	assert.Equal(t, "login failed", out["message"])
	assert.Contains(t, out, "src")
}

func TestPollOnceIdle(t *testing.T) {
	store := &fakeDetectionStore{}
	stage := NewStage(store, &staticRuleSource{}, NewLocalEvaluator(0), &fakeNotifier{}, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPollOnceDetection(t *testing.T) {
	store := &fakeDetectionStore{
		state:    &core.EventState{EventID: "ev-1"},
		insertID: "det-1",
		doc: map[string]interface{}{
			"_id":     "ev-1",
			"message": "Failed password for root",
			"src":     map[string]interface{}{"ip": "10.0.0.5"},
		},
	}
	rules := &staticRuleSource{rules: []core.Rule{
		regexRule("ssh-bruteforce", 75, "message", "Failed password", "src.ip"),
		regexRule("never-matches", 99, "message", "zzz-no-such-text"),
	}}
	notifier := &fakeNotifier{}
	stage := NewStage(store, rules, NewLocalEvaluator(match.DefaultRegexTimeout), notifier, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	require.NotNil(t, store.insertedRec)
	assert.Equal(t, "ev-1", store.insertedRec.EventID)
	assert.True(t, store.insertedRec.Detection)
	require.NotNil(t, store.insertedRec.Severity)
	assert.Equal(t, 75, *store.insertedRec.Severity)
	require.Len(t, store.insertedRec.Analysis.Details, 2)
	assert.True(t, store.insertedRec.Analysis.Details[0].Matched)
	assert.False(t, store.insertedRec.Analysis.Details[1].Matched)

	require.Len(t, store.updates, 1)
	set := store.updates[0].set
	assert.Equal(t, true, set["detected"])
	assert.Equal(t, true, set["detection"])
	assert.Equal(t, []string{"src.ip"}, set["correlate_on"])
	assert.Equal(t, "", set["error"])
	assert.Equal(t, core.StageDetect, set["last_stage"])

	require.Len(t, notifier.payloads, 1)
	payload := notifier.payloads[0]
	assert.Equal(t, "ssh-bruteforce", payload.RuleID)
	assert.Equal(t, "ssh-bruteforce", payload.RuleName)
	assert.Equal(t, []string{"ev-1"}, payload.EventIDs)
	assert.Equal(t, "det-1", payload.DetectionID)
	assert.Equal(t, []string{"src.ip"}, payload.CorrelateOn)
	assert.Equal(t, "high", payload.Priority)
}

func TestPollOnceCleanEventSkipsNotifier(t *testing.T) {
	store := &fakeDetectionStore{
		state:    &core.EventState{EventID: "ev-1"},
		insertID: "det-1",
		doc:      map[string]interface{}{"message": "routine heartbeat"},
	}
	rules := &staticRuleSource{rules: []core.Rule{
		regexRule("ssh-bruteforce", 75, "message", "Failed password"),
	}}
	notifier := &fakeNotifier{}
	stage := NewStage(store, rules, NewLocalEvaluator(match.DefaultRegexTimeout), notifier, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Empty(t, notifier.payloads)
	require.Len(t, store.updates, 1)
	set := store.updates[0].set
	assert.Equal(t, false, set["detection"])
	assert.Nil(t, set["severity"])
}

func TestPollOnceBrokenRuleDegradesToNonMatch(t *testing.T) {
	store := &fakeDetectionStore{
		state:    &core.EventState{EventID: "ev-1"},
		insertID: "det-1",
		doc:      map[string]interface{}{"message": "Failed password for root"},
	}
	rules := &staticRuleSource{rules: []core.Rule{
		regexRule("broken", 90, "message", "[invalid"),
		regexRule("working", 40, "message", "Failed password"),
	}}
	stage := NewStage(store, rules, NewLocalEvaluator(match.DefaultRegexTimeout), &fakeNotifier{}, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	require.NotNil(t, store.insertedRec)
	details := store.insertedRec.Analysis.Details
	require.Len(t, details, 2)
	assert.NotEmpty(t, details[0].Error)
	assert.False(t, details[0].Matched)
	assert.True(t, details[1].Matched)
	require.NotNil(t, store.insertedRec.Severity)
	assert.Equal(t, 40, *store.insertedRec.Severity)
}

func TestPollOnceFailureIsTerminal(t *testing.T) {
	store := &fakeDetectionStore{
		state: &core.EventState{EventID: "ev-1"},
		doc:   map[string]interface{}{"message": "x"},
	}
	rules := &staticRuleSource{err: errors.New("rules collection unavailable")}
	stage := NewStage(store, rules, NewLocalEvaluator(0), &fakeNotifier{}, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.Error(t, err)
	assert.False(t, processed)

	require.Len(t, store.updates, 1)
	set := store.updates[0].set
	assert.Equal(t, true, set["detected"])
	assert.Equal(t, false, set["detection"])
	assert.Contains(t, set["error"], "rules collection unavailable")
}

func TestPollOnceNotifierFailureDoesNotFailEvent(t *testing.T) {
	store := &fakeDetectionStore{
		state:    &core.EventState{EventID: "ev-1"},
		insertID: "det-1",
		doc:      map[string]interface{}{"message": "Failed password"},
	}
	rules := &staticRuleSource{rules: []core.Rule{
		regexRule("r", 50, "message", "Failed password"),
	}}
	notifier := &fakeNotifier{err: errors.New("orchestrator down")}
	stage := NewStage(store, rules, NewLocalEvaluator(match.DefaultRegexTimeout), notifier, false, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	require.Len(t, store.updates, 1)
	assert.Equal(t, true, store.updates[0].set["detected"])
}

func TestPredicateWaitForEnrichment(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	eager := NewStage(&fakeDetectionStore{}, &staticRuleSource{}, NewLocalEvaluator(0), &fakeNotifier{}, false, logger)
	assert.Equal(t, bson.M{"detected": false}, eager.predicate())

	patient := NewStage(&fakeDetectionStore{}, &staticRuleSource{}, NewLocalEvaluator(0), &fakeNotifier{}, true, logger)
	assert.Equal(t, bson.M{"detected": false, "enriched": true}, patient.predicate())
}
