package core

import (
	"fmt"
)

// RuleKind identifies the matching strategy of a rule body. The kind is
// resolved once when rules are loaded, not re-sniffed on every evaluation.
type RuleKind string

const (
	RuleKindRegex    RuleKind = "regex"
	RuleKindJSONPath RuleKind = "jsonpath"
	RuleKindStandard RuleKind = "standard"
)

// RuleBody is the matcher-facing definition of a rule. Exactly one of
// Regex, JSONPath or Standard must be present; Key selects the field the
// regex and standard variants read from the event document.
type RuleBody struct {
	Key      string      `json:"key,omitempty" bson:"key,omitempty"`
	Regex    string      `json:"regex,omitempty" bson:"regex,omitempty"`
	JSONPath string      `json:"jsonpath,omitempty" bson:"jsonpath,omitempty"`
	Standard interface{} `json:"standard,omitempty" bson:"standard,omitempty"`
}

// Kind resolves the rule body's matching strategy from which definition
// keys are present. An ambiguous or empty body is an error.
func (b RuleBody) Kind() (RuleKind, error) {
	var kinds []RuleKind
	if b.Regex != "" {
		kinds = append(kinds, RuleKindRegex)
	}
	if b.JSONPath != "" {
		kinds = append(kinds, RuleKindJSONPath)
	}
	if b.Standard != nil {
		kinds = append(kinds, RuleKindStandard)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("rule body has no recognized definition (want one of regex, jsonpath, standard)")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("rule body is ambiguous: defines %v", kinds)
	}
}

// Rule is an externally authored detection definition evaluated against
// every event that reaches the detect stage.
type Rule struct {
	Name        string   `json:"name" bson:"name"`
	Severity    int      `json:"severity" bson:"severity"`
	Description string   `json:"description" bson:"description"`
	Body        RuleBody `json:"rule" bson:"rule"`
	CorrelateOn []string `json:"correlate_on,omitempty" bson:"correlate_on,omitempty"`
}

// CardSelector decides whether a parse card applies to an event.
type CardSelector struct {
	Type  string `json:"type" bson:"type"`
	Value string `json:"value" bson:"value"`
}

// Selector types understood by the parse stage.
const (
	SelectorSourceAddress = "source_address"
	SelectorRaw           = "raw"
)

// Card is an externally authored extraction definition used by the parse
// stage. Definition is forwarded verbatim to the extractor service.
type Card struct {
	Name       string                 `json:"name" bson:"name"`
	Selector   CardSelector           `json:"selector" bson:"selector"`
	Definition map[string]interface{} `json:"definition,omitempty" bson:"definition,omitempty"`
}
