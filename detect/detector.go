package detect

import (
	"context"
	"errors"
	"time"

	"herringbone/core"
	"herringbone/metrics"
	"herringbone/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// DetectionStore is the storage surface the detect stage needs.
type DetectionStore interface {
	FindOnePending(ctx context.Context, predicate bson.M) (*core.EventState, error)
	UpdateStateWhere(ctx context.Context, eventID string, predicate bson.M, set bson.M) error
	GetEventDocument(ctx context.Context, id string) (map[string]interface{}, error)
	InsertDetection(ctx context.Context, rec *core.DetectionRecord) (string, error)
}

// Notifier delivers positive detections downstream.
type Notifier interface {
	NotifyDetection(ctx context.Context, payload core.DetectionPayload) error
}

// Stage evaluates every rule against unprocessed events. Detection is a
// terminal state: whatever happens, each claimed event is marked
// detected exactly once, with the outcome or the failure recorded.
type Stage struct {
	store             DetectionStore
	rules             RuleSource
	evaluator         Evaluator
	notifier          Notifier
	waitForEnrichment bool
	logger            *zap.SugaredLogger
}

// NewStage creates the detect stage. With waitForEnrichment set the
// stage only claims enriched events, trading detection latency for
// recon context being available to analysts alongside the detection.
func NewStage(store DetectionStore, rules RuleSource, evaluator Evaluator, notifier Notifier, waitForEnrichment bool, logger *zap.SugaredLogger) *Stage {
	return &Stage{
		store:             store,
		rules:             rules,
		evaluator:         evaluator,
		notifier:          notifier,
		waitForEnrichment: waitForEnrichment,
		logger:            logger,
	}
}

func (s *Stage) Name() string { return core.StageDetect }

func (s *Stage) predicate() bson.M {
	p := bson.M{"detected": false}
	if s.waitForEnrichment {
		p["enriched"] = true
	}
	return p
}

// PollOnce claims at most one pending event and runs the full rule set
// over it.
func (s *Stage) PollOnce(ctx context.Context) (bool, error) {
	state, err := s.store.FindOnePending(ctx, s.predicate())
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}

	if err := s.process(ctx, state.EventID); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			s.logger.Warnw("Event claimed by another detect worker", "event_id", state.EventID)
			return false, nil
		}
		metrics.StageFailures.WithLabelValues(core.StageDetect).Inc()
		metrics.DetectionsRecorded.WithLabelValues("failed").Inc()
		s.setFailed(ctx, state.EventID, err)
		return false, err
	}
	return true, nil
}

func (s *Stage) process(ctx context.Context, eventID string) error {
	doc, err := s.store.GetEventDocument(ctx, eventID)
	if err != nil {
		return err
	}
	sanitized := sanitizeEvent(doc)

	rules, err := s.rules.Rules(ctx)
	if err != nil {
		return err
	}

	analysis := s.analyze(ctx, rules, sanitized)
	severity, correlateOn, primary := aggregate(analysis)

	rec := &core.DetectionRecord{
		EventID:    eventID,
		Detection:  analysis.Detection,
		Severity:   severity,
		Analysis:   analysis,
		InsertedAt: time.Now().UTC(),
	}
	detectionID, err := s.store.InsertDetection(ctx, rec)
	if err != nil {
		return err
	}

	set := bson.M{
		"detected":     true,
		"detection":    analysis.Detection,
		"severity":     severity,
		"correlate_on": correlateOn,
		"error":        "",
		"last_stage":   core.StageDetect,
	}
	if err := s.store.UpdateStateWhere(ctx, eventID, s.predicate(), set); err != nil {
		return err
	}

	if !analysis.Detection {
		metrics.DetectionsRecorded.WithLabelValues("clean").Inc()
		s.logger.Debugw("No detection", "event_id", eventID, "rules", len(rules))
		return nil
	}

	metrics.DetectionsRecorded.WithLabelValues("detection").Inc()
	s.logger.Infow("Detection", "event_id", eventID, "rule", primary.RuleName, "severity", *severity)

	payload := core.DetectionPayload{
		RuleID:      primary.RuleName,
		RuleName:    primary.RuleName,
		Description: primary.Description,
		CorrelateOn: correlateOn,
		EventIDs:    []string{eventID},
		DetectionID: detectionID,
		Priority:    string(core.PriorityForSeverity(*severity)),
	}
	if err := s.notifier.NotifyDetection(ctx, payload); err != nil {
		// The detection record and state are already committed; losing
		// the notification must not re-run detection for this event.
		s.logger.Errorw("Detection notification failed", "event_id", eventID, "error", err)
	}
	return nil
}

// analyze evaluates every rule, capturing per-rule errors so a broken
// rule degrades to a non-match instead of failing the event.
func (s *Stage) analyze(ctx context.Context, rules []core.Rule, doc map[string]interface{}) core.Analysis {
	analysis := core.Analysis{Details: make([]core.RuleEvaluation, 0, len(rules))}
	for _, rule := range rules {
		eval := core.RuleEvaluation{
			RuleName:    rule.Name,
			Severity:    rule.Severity,
			Description: rule.Description,
			MatcherRule: rule.Body,
			CorrelateOn: rule.CorrelateOn,
		}

		start := time.Now()
		result, err := s.evaluator.Evaluate(ctx, rule, doc)
		metrics.MatcherCallDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			eval.Error = err.Error()
			s.logger.Warnw("Rule evaluation failed", "rule", rule.Name, "error", err)
		} else {
			eval.Matched = result.Matched
			eval.MatcherDetails = result.Details
		}

		if eval.Matched {
			analysis.Detection = true
		}
		analysis.Details = append(analysis.Details, eval)
	}
	return analysis
}

// aggregate folds matched evaluations into the event-level outcome:
// highest severity wins, correlate_on paths union across matched rules,
// and the first matched rule names the detection.
func aggregate(analysis core.Analysis) (*int, []string, core.RuleEvaluation) {
	var severity *int
	var primary core.RuleEvaluation
	seen := make(map[string]bool)
	correlateOn := make([]string, 0)

	for _, eval := range analysis.Details {
		if !eval.Matched {
			continue
		}
		if severity == nil {
			sev := eval.Severity
			severity = &sev
			primary = eval
		} else if eval.Severity > *severity {
			*severity = eval.Severity
		}
		for _, path := range eval.CorrelateOn {
			if !seen[path] {
				seen[path] = true
				correlateOn = append(correlateOn, path)
			}
		}
	}
	return severity, correlateOn, primary
}

// setFailed terminally marks an event the detector could not process.
// error carries the cause; detection stays false so nothing downstream
// fires off a failed run.
func (s *Stage) setFailed(ctx context.Context, eventID string, cause error) {
	set := bson.M{
		"detected":   true,
		"detection":  false,
		"error":      cause.Error(),
		"last_stage": core.StageDetect,
	}
	if err := s.store.UpdateStateWhere(ctx, eventID, s.predicate(), set); err != nil {
		s.logger.Errorw("Failed to mark event detection failure", "event_id", eventID, "error", err)
	}
}

// sanitizeEvent strips storage bookkeeping from the document rules see:
// the id and timestamps are pipeline metadata, not log content.
func sanitizeEvent(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch k {
		case "_id", "event_time", "ingested_at":
			continue
		}
		out[k] = v
	}
	return out
}
