package core

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

// IncidentPriority is the analyst-facing priority of an incident.
type IncidentPriority string

const (
	IncidentPriorityLow      IncidentPriority = "low"
	IncidentPriorityMedium   IncidentPriority = "medium"
	IncidentPriorityHigh     IncidentPriority = "high"
	IncidentPriorityCritical IncidentPriority = "critical"
)

// CorrelatableStatuses are the statuses a detection may still attach to.
// Resolved incidents never accept new detections.
var CorrelatableStatuses = []string{
	string(IncidentStatusOpen),
	string(IncidentStatusInvestigating),
}

// Note is an analyst annotation on an incident.
type Note struct {
	Author    *string   `json:"author" bson:"author"`
	Message   string    `json:"message" bson:"message"`
	CreatedAt time.Time `json:"created_at" bson:"created_at" swaggertype:"string"`
}

// IncidentState carries the mutable bookkeeping fields of an incident.
// State.LastUpdated is bumped on every mutation and is the field the
// correlation window is computed against.
type IncidentState struct {
	LastUpdated time.Time `json:"last_updated" bson:"last_updated" swaggertype:"string"`
}

// Incident groups one or more detections that share a rule and a
// correlation identity inside the correlation window.
type Incident struct {
	ID                  primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	Title               string                 `json:"title" bson:"title"`
	Description         string                 `json:"description,omitempty" bson:"description,omitempty"`
	Status              IncidentStatus         `json:"status" bson:"status"`
	Priority            IncidentPriority       `json:"priority" bson:"priority"`
	RuleID              string                 `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	RuleName            string                 `json:"rule_name,omitempty" bson:"rule_name,omitempty"`
	CorrelationIdentity map[string]interface{} `json:"correlation_identity,omitempty" bson:"correlation_identity,omitempty"`
	Owner               *string                `json:"owner" bson:"owner"`
	Events              []string               `json:"events" bson:"events"`
	Detections          []string               `json:"detections" bson:"detections"`
	Notes               []Note                 `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt           time.Time              `json:"created_at" bson:"created_at" swaggertype:"string"`
	LastUpdated         time.Time              `json:"last_updated" bson:"last_updated" swaggertype:"string"`
	State               IncidentState          `json:"state" bson:"state"`
}

// PriorityForSeverity maps a rule severity score onto an incident
// priority. Bands follow the triage convention: 90+ pages someone.
func PriorityForSeverity(severity int) IncidentPriority {
	switch {
	case severity >= 90:
		return IncidentPriorityCritical
	case severity >= 70:
		return IncidentPriorityHigh
	case severity >= 40:
		return IncidentPriorityMedium
	default:
		return IncidentPriorityLow
	}
}
