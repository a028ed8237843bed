package detect

import (
	"context"
	"time"

	"herringbone/core"
	"herringbone/storage"

	"go.uber.org/zap"
)

const rulesCacheKey = "herringbone:rules:snapshot"

// RuleSource yields the rule set the detector evaluates.
type RuleSource interface {
	Rules(ctx context.Context) ([]core.Rule, error)
}

// StoreRuleSource loads rules straight from storage on every call.
type StoreRuleSource struct {
	store *storage.RuleStore
}

func NewStoreRuleSource(store *storage.RuleStore) *StoreRuleSource {
	return &StoreRuleSource{store: store}
}

func (s *StoreRuleSource) Rules(ctx context.Context) ([]core.Rule, error) {
	return s.store.LoadRules(ctx)
}

// CachedRuleSource fronts a rule source with a Redis snapshot so a
// detector polling every second does not hammer the rules collection.
// Rule edits take effect within the TTL.
type CachedRuleSource struct {
	source RuleSource
	cache  *core.RedisCache
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewCachedRuleSource creates a caching rule source with the given TTL.
func NewCachedRuleSource(source RuleSource, cache *core.RedisCache, ttl time.Duration, logger *zap.SugaredLogger) *CachedRuleSource {
	return &CachedRuleSource{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Rules returns the cached snapshot when fresh, falling back to the
// underlying source. Cache failures degrade to direct loads.
func (s *CachedRuleSource) Rules(ctx context.Context) ([]core.Rule, error) {
	var cached []core.Rule
	found, err := s.cache.Get(ctx, rulesCacheKey, &cached)
	if err != nil {
		s.logger.Warnw("Rule cache read failed, loading from store", "error", err)
	} else if found {
		return cached, nil
	}

	rules, err := s.source.Rules(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, rulesCacheKey, rules, s.ttl); err != nil {
		s.logger.Warnw("Rule cache write failed", "error", err)
	}
	return rules, nil
}
