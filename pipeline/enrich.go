package pipeline

import (
	"context"
	"errors"

	"herringbone/core"
	"herringbone/metrics"
	"herringbone/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const reconPath = "/parser/recon/query"

// EnrichStage augments parsed events with recon context (reverse DNS,
// asset ownership, reputation) from the recon service. An enrichment
// failure is not terminal: the error lands on the event state and the
// event stays eligible for the next poll.
type EnrichStage struct {
	store  EventStateStore
	recon  *ServiceClient
	logger *zap.SugaredLogger
}

// NewEnrichStage creates the enrich stage.
func NewEnrichStage(store EventStateStore, recon *ServiceClient, logger *zap.SugaredLogger) *EnrichStage {
	return &EnrichStage{
		store:  store,
		recon:  recon,
		logger: logger,
	}
}

func (s *EnrichStage) Name() string { return core.StageEnrich }

func (s *EnrichStage) predicate() bson.M {
	return bson.M{"parsed": true, "enriched": false}
}

// PollOnce claims at most one parsed-but-unenriched event and queries
// the recon service for it.
func (s *EnrichStage) PollOnce(ctx context.Context) (bool, error) {
	state, err := s.store.FindOnePending(ctx, s.predicate())
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	doc, err := s.store.GetEventDocument(ctx, state.EventID)
	if err != nil {
		metrics.StageFailures.WithLabelValues(core.StageEnrich).Inc()
		return false, err
	}

	var reconData map[string]interface{}
	if err := s.recon.PostJSON(ctx, reconPath, doc, &reconData); err != nil {
		metrics.StageFailures.WithLabelValues(core.StageEnrich).Inc()
		s.logger.Warnw("Recon lookup failed, will retry", "event_id", state.EventID, "error", err)
		// Record the failure without claiming the event. enriched stays
		// false, so the next poll picks it up again.
		set := bson.M{"error": err.Error(), "last_stage": core.StageEnrich}
		if uerr := s.store.UpdateStateWhere(ctx, state.EventID, s.predicate(), set); uerr != nil &&
			!errors.Is(uerr, storage.ErrStateConflict) {
			return false, uerr
		}
		return false, nil
	}

	set := bson.M{
		"enriched":   true,
		"recon_data": reconData,
		"error":      "",
		"last_stage": core.StageEnrich,
	}
	err = s.store.UpdateStateWhere(ctx, state.EventID, s.predicate(), set)
	if errors.Is(err, storage.ErrStateConflict) {
		s.logger.Warnw("Event claimed by another enrich worker", "event_id", state.EventID)
		return false, nil
	}
	if err != nil {
		metrics.StageFailures.WithLabelValues(core.StageEnrich).Inc()
		return false, err
	}

	s.logger.Debugw("Enriched event", "event_id", state.EventID)
	return true, nil
}
