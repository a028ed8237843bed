package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herringbone/core"

	"github.com/xeipuuv/gojsonschema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const ruleOpTimeout = 10 * time.Second

const ruleSchemaJSON = `{
	"type": "object",
	"properties": {
		"name":        {"type": "string", "minLength": 1},
		"severity":    {"type": "integer", "minimum": 0, "maximum": 100},
		"description": {"type": "string"},
		"rule": {
			"type": "object",
			"properties": {
				"key":      {"type": "string"},
				"regex":    {"type": "string"},
				"jsonpath": {"type": "string"},
				"standard": {}
			},
			"additionalProperties": false
		},
		"correlate_on": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["name", "severity", "rule"],
	"additionalProperties": false
}`

// RuleStore persists detection rules and parse cards.
type RuleStore struct {
	rules  *mongo.Collection
	cards  *mongo.Collection
	schema *gojsonschema.Schema
	logger *zap.SugaredLogger
}

// NewRuleStore creates a rule store over the given database.
func NewRuleStore(db *MongoDB, logger *zap.SugaredLogger) (*RuleStore, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ruleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}
	return &RuleStore{
		rules:  db.Database.Collection(CollRules),
		cards:  db.Database.Collection(CollParseCards),
		schema: schema,
		logger: logger,
	}, nil
}

// LoadRules returns every stored detection rule. The rule name is the
// stable identifier; Mongo object ids never leave this layer.
func (s *RuleStore) LoadRules(ctx context.Context) ([]core.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	cursor, err := s.rules.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to find rules: %w", err)
	}
	defer cursor.Close(ctx)

	rules := make([]core.Rule, 0)
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

// GetRule returns one rule by name.
func (s *RuleStore) GetRule(ctx context.Context, name string) (*core.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	var rule core.Rule
	err := s.rules.FindOne(ctx, bson.M{"name": name}).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// UpsertRule validates a rule payload and inserts or replaces it by name.
func (s *RuleStore) UpsertRule(ctx context.Context, payload map[string]interface{}) error {
	if err := validate(s.schema, payload); err != nil {
		return err
	}

	name, _ := payload["name"].(string)
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	if _, err := s.rules.ReplaceOne(ctx, bson.M{"name": name}, payload, opts); err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

// DeleteRule removes one rule by name.
func (s *RuleStore) DeleteRule(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	res, err := s.rules.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// LoadCards returns every stored parse card.
func (s *RuleStore) LoadCards(ctx context.Context) ([]core.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	cursor, err := s.cards.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to find parse cards: %w", err)
	}
	defer cursor.Close(ctx)

	cards := make([]core.Card, 0)
	if err := cursor.All(ctx, &cards); err != nil {
		return nil, fmt.Errorf("failed to decode parse cards: %w", err)
	}
	return cards, nil
}

// UpsertCard inserts or replaces a parse card by name.
func (s *RuleStore) UpsertCard(ctx context.Context, card *core.Card) error {
	ctx, cancel := context.WithTimeout(ctx, ruleOpTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	if _, err := s.cards.ReplaceOne(ctx, bson.M{"name": card.Name}, card, opts); err != nil {
		return fmt.Errorf("failed to upsert parse card: %w", err)
	}
	return nil
}
