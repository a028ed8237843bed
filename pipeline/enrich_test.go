package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herringbone/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEnrichPollOnceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"rdns": "bastion.corp.example", "reputation": "clean"}`))
	}))
	defer srv.Close()

	store := &fakeStateStore{
		state: &core.EventState{EventID: "ev-1", Parsed: true},
		doc:   map[string]interface{}{"src": map[string]interface{}{"ip": "10.0.0.5"}},
	}
	recon := NewServiceClient("recon", srv.URL, time.Second, nil, zaptest.NewLogger(t).Sugar())
	stage := NewEnrichStage(store, recon, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	require.Len(t, store.updates, 1)
	set := store.updates[0]
	assert.Equal(t, true, set["enriched"])
	assert.Equal(t, "", set["error"])
	assert.Equal(t, core.StageEnrich, set["last_stage"])
	reconData, ok := set["recon_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "bastion.corp.example", reconData["rdns"])
}

func TestEnrichPollOnceFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeStateStore{
		state: &core.EventState{EventID: "ev-1", Parsed: true},
		doc:   map[string]interface{}{},
	}
	recon := NewServiceClient("recon", srv.URL, time.Second, nil, zaptest.NewLogger(t).Sugar())
	stage := NewEnrichStage(store, recon, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err, "a recon outage is not a stage failure")
	assert.False(t, processed)

	// The failure is recorded but enriched is never set, so the event
	// stays eligible for the next poll.
	require.Len(t, store.updates, 1)
	set := store.updates[0]
	assert.NotContains(t, set, "enriched")
	assert.NotEmpty(t, set["error"])
	assert.Equal(t, core.StageEnrich, set["last_stage"])
}

func TestEnrichPollOnceIdle(t *testing.T) {
	store := &fakeStateStore{}
	stage := NewEnrichStage(store, nil, zaptest.NewLogger(t).Sugar())

	processed, err := stage.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}
