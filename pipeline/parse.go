package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"herringbone/core"
	"herringbone/metrics"
	"herringbone/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const extractPath = "/parser/extractor/extract"

// EventStateStore is the storage surface the parse and enrich stages
// poll and update.
type EventStateStore interface {
	FindOnePending(ctx context.Context, predicate bson.M) (*core.EventState, error)
	UpdateStateWhere(ctx context.Context, eventID string, predicate bson.M, set bson.M) error
	GetEvent(ctx context.Context, id string) (*core.Event, error)
	GetEventDocument(ctx context.Context, id string) (map[string]interface{}, error)
	InsertParseResult(ctx context.Context, res *core.ParseResult) error
}

// CardProvider supplies the parse cards currently configured.
type CardProvider interface {
	LoadCards(ctx context.Context) ([]core.Card, error)
}

// ParseStage runs configured parse cards over unparsed events via the
// extractor service. Card failures are recorded per card and never hold
// the event back: an event with zero usable cards still advances.
type ParseStage struct {
	store     EventStateStore
	cards     CardProvider
	extractor *ServiceClient
	logger    *zap.SugaredLogger
}

// NewParseStage creates the parse stage.
func NewParseStage(store EventStateStore, cards CardProvider, extractor *ServiceClient, logger *zap.SugaredLogger) *ParseStage {
	return &ParseStage{
		store:     store,
		cards:     cards,
		extractor: extractor,
		logger:    logger,
	}
}

func (s *ParseStage) Name() string { return core.StageParse }

// predicate selects events no stage has parsed yet. The same filter
// guards the state update so two parse workers cannot both claim one.
func (s *ParseStage) predicate() bson.M {
	return bson.M{"parsed": false}
}

// PollOnce claims at most one unparsed event and runs it through every
// applicable card.
func (s *ParseStage) PollOnce(ctx context.Context) (bool, error) {
	state, err := s.store.FindOnePending(ctx, s.predicate())
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	event, err := s.store.GetEvent(ctx, state.EventID)
	if err != nil {
		metrics.StageFailures.WithLabelValues(core.StageParse).Inc()
		return false, fmt.Errorf("failed to load event %s: %w", state.EventID, err)
	}

	cards, err := s.cards.LoadCards(ctx)
	if err != nil {
		metrics.StageFailures.WithLabelValues(core.StageParse).Inc()
		return false, fmt.Errorf("failed to load parse cards: %w", err)
	}

	for _, card := range cards {
		if !cardApplies(card, event) {
			continue
		}
		res := s.runCard(ctx, card, event)
		if err := s.store.InsertParseResult(ctx, res); err != nil {
			metrics.StageFailures.WithLabelValues(core.StageParse).Inc()
			return false, err
		}
	}

	set := bson.M{
		"parsed":     true,
		"last_stage": core.StageParse,
	}
	err = s.store.UpdateStateWhere(ctx, state.EventID, s.predicate(), set)
	if errors.Is(err, storage.ErrStateConflict) {
		s.logger.Warnw("Event claimed by another parse worker", "event_id", state.EventID)
		return false, nil
	}
	if err != nil {
		metrics.StageFailures.WithLabelValues(core.StageParse).Inc()
		return false, err
	}

	s.logger.Debugw("Parsed event", "event_id", state.EventID)
	return true, nil
}

// runCard extracts one card's fields. A failing card becomes an error
// record rather than a stage failure.
func (s *ParseStage) runCard(ctx context.Context, card core.Card, event *core.Event) *core.ParseResult {
	res := core.NewParseResult(event.ID, card.Name)

	body := map[string]interface{}{
		"card": card.Definition,
		"raw":  event.Raw,
	}
	var results map[string]interface{}
	if err := s.extractor.PostJSON(ctx, extractPath, body, &results); err != nil {
		s.logger.Warnw("Parse card failed", "event_id", event.ID, "card", card.Name, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Results = results
	return res
}

// cardApplies reports whether a card's selector matches the event.
// Unknown selector types match nothing.
func cardApplies(card core.Card, event *core.Event) bool {
	switch card.Selector.Type {
	case core.SelectorSourceAddress:
		return card.Selector.Value == event.Source.Address
	case core.SelectorRaw:
		return strings.Contains(fmt.Sprint(event.Raw), card.Selector.Value)
	default:
		return false
	}
}
