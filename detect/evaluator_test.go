package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herringbone/core"
	"herringbone/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPEvaluatorWireFormat(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"matched": true, "details": "regex evaluation completed"}`))
	}))
	defer srv.Close()

	client := pipeline.NewServiceClient("matcher", srv.URL, time.Second, nil, zaptest.NewLogger(t).Sugar())
	evaluator := NewHTTPEvaluator(client)

	rule := regexRule("ssh-bruteforce", 75, "message", "Failed password")
	doc := map[string]interface{}{"message": "Failed password for root"}

	result, err := evaluator.Evaluate(context.Background(), rule, doc)
	require.NoError(t, err)
	assert.True(t, result.Matched)

	require.Contains(t, body, "rule")
	require.Contains(t, body, "log_data")
	assert.Equal(t, doc, body["log_data"])

	ruleBody, ok := body["rule"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Failed password", ruleBody["regex"])
	assert.Equal(t, "message", ruleBody["key"])
}

func TestLocalEvaluatorRecompilesEditedRule(t *testing.T) {
	evaluator := NewLocalEvaluator(time.Second)
	doc := map[string]interface{}{"message": "Failed password for root"}

	rule := core.Rule{Name: "r", Body: core.RuleBody{Key: "message", Regex: "Failed password"}}
	result, err := evaluator.Evaluate(context.Background(), rule, doc)
	require.NoError(t, err)
	assert.True(t, result.Matched)

	// Same name, different body: the fingerprint changes, so the edit
	// takes effect instead of hitting the stale compiled entry.
	rule.Body.Regex = "zzz-no-such-text"
	result, err = evaluator.Evaluate(context.Background(), rule, doc)
	require.NoError(t, err)
	assert.False(t, result.Matched)
}
