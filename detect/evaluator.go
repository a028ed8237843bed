package detect

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"herringbone/core"
	"herringbone/match"
	"herringbone/pipeline"

	"github.com/cespare/xxhash/v2"
)

const matcherPath = "/detectionengine/matcher/match"

// Evaluator matches one rule against one event document. The detector
// treats an evaluation error as that rule not matching, so one broken
// rule cannot block detection of the others.
type Evaluator interface {
	Evaluate(ctx context.Context, rule core.Rule, doc map[string]interface{}) (match.Result, error)
}

// LocalEvaluator runs the in-process match engine. Compiled rules are
// cached by a fingerprint of name and body, so an edited rule recompiles
// on its next evaluation while the steady state pays compilation once.
type LocalEvaluator struct {
	regexTimeout time.Duration

	mu    sync.Mutex
	cache map[uint64]match.CompiledRule
}

// NewLocalEvaluator creates a local evaluator with the given regex
// match timeout.
func NewLocalEvaluator(regexTimeout time.Duration) *LocalEvaluator {
	return &LocalEvaluator{
		regexTimeout: regexTimeout,
		cache:        make(map[uint64]match.CompiledRule),
	}
}

func (e *LocalEvaluator) Evaluate(_ context.Context, rule core.Rule, doc map[string]interface{}) (match.Result, error) {
	compiled, err := e.compiled(rule)
	if err != nil {
		return match.Result{}, err
	}
	return compiled.Match(doc), nil
}

func (e *LocalEvaluator) compiled(rule core.Rule) (match.CompiledRule, error) {
	key := fingerprint(rule)

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cache[key]; ok {
		return c, nil
	}

	c, err := match.Compile(rule, e.regexTimeout)
	if err != nil {
		return match.CompiledRule{}, err
	}
	e.cache[key] = c
	return c, nil
}

func fingerprint(rule core.Rule) uint64 {
	h := xxhash.New()
	h.WriteString(rule.Name)
	h.Write([]byte{0})
	body, _ := json.Marshal(rule.Body)
	h.Write(body)
	return h.Sum64()
}

// HTTPEvaluator delegates matching to the matcher service, for
// deployments that run the match engine as its own process.
type HTTPEvaluator struct {
	client *pipeline.ServiceClient
}

// NewHTTPEvaluator creates an evaluator backed by the matcher service.
func NewHTTPEvaluator(client *pipeline.ServiceClient) *HTTPEvaluator {
	return &HTTPEvaluator{client: client}
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, rule core.Rule, doc map[string]interface{}) (match.Result, error) {
	body := map[string]interface{}{
		"rule":     rule.Body,
		"log_data": doc,
	}
	var result match.Result
	if err := e.client.PostJSON(ctx, matcherPath, body, &result); err != nil {
		return match.Result{}, err
	}
	return result, nil
}
