package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herringbone/core"

	"github.com/xeipuuv/gojsonschema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const incidentOpTimeout = 10 * time.Second

// incidentProperties is the shared property set for incident documents.
// Create and Update validate against it; only Create enforces required
// fields, since updates are partial by nature.
const incidentProperties = `{
	"title":       {"type": "string", "minLength": 1},
	"description": {"type": "string"},
	"status":      {"type": "string", "enum": ["open", "investigating", "resolved"]},
	"priority":    {"type": "string", "enum": ["low", "medium", "high", "critical"]},
	"rule_id":     {"type": "string"},
	"rule_name":   {"type": "string"},
	"correlation_identity": {"type": "object"},
	"owner":       {"type": ["string", "null"]},
	"events":      {"type": "array", "items": {"type": "string"}},
	"detections":  {"type": "array", "items": {"type": "string"}},
	"notes": {
		"type": "array",
		"items": {
			"type": "object",
			"properties": {
				"author":     {"type": ["string", "null"]},
				"message":    {"type": "string"},
				"created_at": {"type": "string"}
			},
			"required": ["message"],
			"additionalProperties": false
		}
	}
}`

// appendFields are incident array fields that grow monotonically. An
// update naming one of them appends via $push rather than replacing the
// stored array.
var appendFields = map[string]bool{
	"events":     true,
	"detections": true,
	"notes":      true,
}

// IncidentStore persists incidents and serves the correlation engine's
// candidate lookups.
type IncidentStore struct {
	incidents    *mongo.Collection
	createSchema *gojsonschema.Schema
	updateSchema *gojsonschema.Schema
	logger       *zap.SugaredLogger
}

// compileIncidentSchemas builds the create and update validators from
// the shared property set.
func compileIncidentSchemas() (*gojsonschema.Schema, *gojsonschema.Schema, error) {
	createSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(fmt.Sprintf(
		`{"type": "object", "properties": %s, "required": ["title", "status", "priority"], "additionalProperties": false}`,
		incidentProperties)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile incident create schema: %w", err)
	}
	updateSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(fmt.Sprintf(
		`{"type": "object", "properties": %s, "additionalProperties": false}`,
		incidentProperties)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile incident update schema: %w", err)
	}
	return createSchema, updateSchema, nil
}

// NewIncidentStore creates an incident store over the given database.
func NewIncidentStore(db *MongoDB, logger *zap.SugaredLogger) (*IncidentStore, error) {
	createSchema, updateSchema, err := compileIncidentSchemas()
	if err != nil {
		return nil, err
	}
	return &IncidentStore{
		incidents:    db.Database.Collection(CollIncidents),
		createSchema: createSchema,
		updateSchema: updateSchema,
		logger:       logger,
	}, nil
}

// validate runs a payload through a compiled schema and converts the
// first failure into a ValidationError.
func validate(schema *gojsonschema.Schema, payload map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("failed to validate incident payload: %w", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &ValidationError{Field: first.Field(), Message: first.Description()}
	}
	return nil
}

// Create validates a client payload and inserts it as a new incident.
// Timestamps are stamped after validation so the schema only ever sees
// what the caller sent. Returns the new incident's hex id.
func (s *IncidentStore) Create(ctx context.Context, payload map[string]interface{}) (string, error) {
	if err := validate(s.createSchema, payload); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, incidentOpTimeout)
	defer cancel()

	now := time.Now().UTC()
	doc := bson.M{}
	for k, v := range payload {
		doc[k] = v
	}
	doc["created_at"] = now
	doc["last_updated"] = now
	doc["state"] = bson.M{"last_updated": now}

	res, err := s.incidents.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to insert incident: %w", err)
	}
	return objectIDHex(res.InsertedID), nil
}

// buildIncidentUpdate partitions a change set into $set and $push
// operations: scalar fields replace, append fields accumulate, and the
// activity timestamps are always refreshed.
func buildIncidentUpdate(changes map[string]interface{}, now time.Time) bson.M {
	set := bson.M{
		"last_updated":       now,
		"state.last_updated": now,
	}
	push := bson.M{}
	for k, v := range changes {
		if appendFields[k] {
			items, ok := core.AsList(v)
			if !ok {
				items = []interface{}{v}
			}
			push[k] = bson.M{"$each": items}
			continue
		}
		set[k] = v
	}

	update := bson.M{"$set": set}
	if len(push) > 0 {
		update["$push"] = push
	}
	return update
}

// Update validates and applies a partial change set to one incident.
func (s *IncidentStore) Update(ctx context.Context, id string, changes map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidIncidentID
	}
	if err := validate(s.updateSchema, changes); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, incidentOpTimeout)
	defer cancel()

	update := buildIncidentUpdate(changes, time.Now().UTC())
	res, err := s.incidents.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrIncidentNotFound
	}
	return nil
}

// Get returns one incident by hex id.
func (s *IncidentStore) Get(ctx context.Context, id string) (*core.Incident, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrInvalidIncidentID
	}

	ctx, cancel := context.WithTimeout(ctx, incidentOpTimeout)
	defer cancel()

	var incident core.Incident
	err = s.incidents.FindOne(ctx, bson.M{"_id": oid}).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &incident, nil
}

// List returns incidents ordered by recent activity.
func (s *IncidentStore) List(ctx context.Context, limit int64) ([]core.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, incidentOpTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "state.last_updated", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.incidents.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find incidents: %w", err)
	}
	defer cursor.Close(ctx)

	incidents := make([]core.Incident, 0)
	if err := cursor.All(ctx, &incidents); err != nil {
		return nil, fmt.Errorf("failed to decode incidents: %w", err)
	}
	return incidents, nil
}

// FindCandidate returns the most recently active incident matching the
// correlation query, or (nil, nil) when no incident qualifies.
func (s *IncidentStore) FindCandidate(ctx context.Context, query bson.M) (*core.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, incidentOpTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "state.last_updated", Value: -1}})

	var incident core.Incident
	err := s.incidents.FindOne(ctx, query, opts).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find candidate incident: %w", err)
	}
	return &incident, nil
}
