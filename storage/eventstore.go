package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herringbone/core"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const eventOpTimeout = 10 * time.Second

// EventStore persists immutable events, their mutable pipeline state,
// detection records and per-card parse results.
type EventStore struct {
	events       *mongo.Collection
	states       *mongo.Collection
	detections   *mongo.Collection
	parseResults *mongo.Collection
	newestFirst  bool
	logger       *zap.SugaredLogger
}

// NewEventStore creates an event store over the given database.
// newestFirst controls poll ordering: true selects the most recently
// ingested pending item first, which starves old items under sustained
// backlog but matches the documented pipeline behavior.
func NewEventStore(db *MongoDB, newestFirst bool, logger *zap.SugaredLogger) *EventStore {
	return &EventStore{
		events:       db.Database.Collection(CollEvents),
		states:       db.Database.Collection(CollEventState),
		detections:   db.Database.Collection(CollDetections),
		parseResults: db.Database.Collection(CollParseResults),
		newestFirst:  newestFirst,
		logger:       logger,
	}
}

// IngestEvent writes the immutable event and its initial all-false state.
func (s *EventStore) IngestEvent(ctx context.Context, ev *core.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	if _, err := s.events.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if _, err := s.states.InsertOne(ctx, core.NewEventState(ev.ID)); err != nil {
		return fmt.Errorf("failed to insert event state: %w", err)
	}
	return nil
}

// FindOnePending selects at most one event state matching the stage
// predicate, ordered by insertion recency. Returns (nil, nil) when no
// candidate exists so pollers can idle without treating it as a failure.
func (s *EventStore) FindOnePending(ctx context.Context, predicate bson.M) (*core.EventState, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	order := -1
	if !s.newestFirst {
		order = 1
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: order}})

	var state core.EventState
	err := s.states.FindOne(ctx, predicate, opts).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending event state: %w", err)
	}
	return &state, nil
}

// UpdateStateWhere applies a conditional update to one event's state.
// The predicate must be the same filter that selected the item, so a
// racing worker that already claimed it cannot double-process: when the
// combined filter matches nothing, ErrStateConflict is returned.
// last_updated is always stamped.
func (s *EventStore) UpdateStateWhere(ctx context.Context, eventID string, predicate bson.M, set bson.M) error {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	filter := bson.M{"event_id": eventID}
	for k, v := range predicate {
		filter[k] = v
	}

	update := bson.M{"last_updated": time.Now().UTC()}
	for k, v := range set {
		update[k] = v
	}

	res, err := s.states.UpdateOne(ctx, filter, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to update event state: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrStateConflict
	}
	return nil
}

// GetState returns the pipeline state for one event.
func (s *EventStore) GetState(ctx context.Context, eventID string) (*core.EventState, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	var state core.EventState
	err := s.states.FindOne(ctx, bson.M{"event_id": eventID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event state: %w", err)
	}
	return &state, nil
}

// GetEvent returns one immutable event by id.
func (s *EventStore) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	var ev core.Event
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// GetEventDocument returns one event as a raw document, the shape the
// correlation engine walks dotted identity paths over.
func (s *EventStore) GetEventDocument(ctx context.Context, id string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	var doc bson.M
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event document: %w", err)
	}
	return map[string]interface{}(doc), nil
}

// GetEvents retrieves recent events, newest first.
func (s *EventStore) GetEvents(ctx context.Context, limit int64) ([]core.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "ingested_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.events.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]core.Event, 0)
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// InsertDetection appends one detection record and returns its id.
func (s *EventStore) InsertDetection(ctx context.Context, rec *core.DetectionRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	res, err := s.detections.InsertOne(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to insert detection record: %w", err)
	}
	return objectIDHex(res.InsertedID), nil
}

// InsertParseResult appends one per-card parse result.
func (s *EventStore) InsertParseResult(ctx context.Context, res *core.ParseResult) error {
	ctx, cancel := context.WithTimeout(ctx, eventOpTimeout)
	defer cancel()

	if _, err := s.parseResults.InsertOne(ctx, res); err != nil {
		return fmt.Errorf("failed to insert parse result: %w", err)
	}
	return nil
}
