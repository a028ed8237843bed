package core

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline stage names recorded in EventState.LastStage.
const (
	StageParse  = "parse"
	StageEnrich = "enrich"
	StageDetect = "detect"
)

// EventSource identifies where an ingested event arrived from.
type EventSource struct {
	Address string `json:"address" bson:"address" example:"10.0.0.12"`
	Kind    string `json:"kind" bson:"kind" example:"http"`
}

// Event is an immutable raw ingested log record. Events are written once at
// ingestion time and never mutated or deleted by the pipeline.
type Event struct {
	ID         string      `json:"event_id" bson:"_id" example:"a6a0e2f1-9c7b-4f7d-8a6e-2b6fb3a1c001"`
	Raw        interface{} `json:"raw" bson:"raw"`
	Source     EventSource `json:"source" bson:"source"`
	EventTime  time.Time   `json:"event_time" bson:"event_time" swaggertype:"string"`
	IngestedAt time.Time   `json:"ingested_at" bson:"ingested_at" swaggertype:"string"`
}

// NewEvent creates a new Event with a generated UUID and current timestamps.
func NewEvent(raw interface{}, source EventSource) *Event {
	now := time.Now().UTC()
	return &Event{
		ID:         uuid.New().String(),
		Raw:        raw,
		Source:     source,
		EventTime:  now,
		IngestedAt: now,
	}
}

// EventState tracks per-event pipeline progress. One document exists per
// event id, created at ingestion with all stage flags false. Stage flags
// only ever transition false to true; Error may be written whenever a
// stage fails.
type EventState struct {
	EventID     string                 `json:"event_id" bson:"event_id"`
	Parsed      bool                   `json:"parsed" bson:"parsed"`
	Enriched    bool                   `json:"enriched" bson:"enriched"`
	Detected    bool                   `json:"detected" bson:"detected"`
	Detection   bool                   `json:"detection" bson:"detection"`
	Severity    *int                   `json:"severity" bson:"severity"`
	CorrelateOn []string               `json:"correlate_on,omitempty" bson:"correlate_on,omitempty"`
	ReconData   map[string]interface{} `json:"recon_data,omitempty" bson:"recon_data,omitempty"`
	Error       string                 `json:"error,omitempty" bson:"error,omitempty"`
	LastStage   string                 `json:"last_stage,omitempty" bson:"last_stage,omitempty"`
	LastUpdated time.Time              `json:"last_updated" bson:"last_updated" swaggertype:"string"`
}

// NewEventState returns the initial all-false state for an event.
func NewEventState(eventID string) *EventState {
	return &EventState{
		EventID:     eventID,
		LastUpdated: time.Now().UTC(),
	}
}

// RuleEvaluation is the outcome of matching one rule against one event.
type RuleEvaluation struct {
	RuleName       string      `json:"rule_name" bson:"rule_name"`
	Severity       int         `json:"severity" bson:"severity"`
	Description    string      `json:"description,omitempty" bson:"description,omitempty"`
	Matched        bool        `json:"matched" bson:"matched"`
	MatcherDetails string      `json:"matcher_details,omitempty" bson:"matcher_details,omitempty"`
	MatcherRule    interface{} `json:"matcher_rule,omitempty" bson:"matcher_rule,omitempty"`
	CorrelateOn    []string    `json:"correlate_on,omitempty" bson:"correlate_on,omitempty"`
	Error          string      `json:"error,omitempty" bson:"error,omitempty"`
}

// Analysis is the aggregate result of one detector run over all rules.
type Analysis struct {
	Detection bool             `json:"detection" bson:"detection"`
	Details   []RuleEvaluation `json:"details" bson:"details"`
}

// DetectionRecord is the append-only record of one successful detector run.
// Written once, never mutated.
type DetectionRecord struct {
	EventID    string    `json:"event_id" bson:"event_id"`
	Detection  bool      `json:"detection" bson:"detection"`
	Severity   *int      `json:"severity" bson:"severity"`
	Analysis   Analysis  `json:"analysis" bson:"analysis"`
	InsertedAt time.Time `json:"inserted_at" bson:"inserted_at" swaggertype:"string"`
}

// ParseResult is the per-card output of the parse stage. A failing card
// records Error instead of Results; neither blocks the event's parsed flag.
type ParseResult struct {
	EventID   string                 `json:"event_id" bson:"event_id"`
	Card      string                 `json:"card" bson:"card"`
	Results   map[string]interface{} `json:"results,omitempty" bson:"results,omitempty"`
	Error     string                 `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at" bson:"created_at" swaggertype:"string"`
}

// NewParseResult returns an empty parse result for one event and card.
func NewParseResult(eventID, card string) *ParseResult {
	return &ParseResult{
		EventID:   eventID,
		Card:      card,
		CreatedAt: time.Now().UTC(),
	}
}
