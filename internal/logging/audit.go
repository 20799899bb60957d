package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names a structured audit event.
type AuditEventType string

const (
	// Assembly events
	AuditPromptAssembled    AuditEventType = "prompt_assembled"
	AuditCompositeAssembled AuditEventType = "composite_assembled"
	AuditCompositeDegraded  AuditEventType = "composite_degraded"

	// Experiment events
	AuditExperimentCreated    AuditEventType = "experiment_created"
	AuditExperimentTransition AuditEventType = "experiment_transition"
	AuditOutcomeRecorded      AuditEventType = "outcome_recorded"
	AuditWinnerComputed       AuditEventType = "winner_computed"

	// Store events
	AuditFragmentSaved   AuditEventType = "fragment_saved"
	AuditFragmentRevised AuditEventType = "fragment_revised"
	AuditStoreReloaded   AuditEventType = "store_reloaded"
)

// AuditEvent is a structured audit log entry.
type AuditEvent struct {
	EventType  AuditEventType
	Target     string // fragment name, experiment id, composite name
	Action     string
	Success    bool
	DurationMs int64
	Error      string
	Message    string
	Fields     map[string]interface{}
}

// AuditLogger writes audit events to the audit category.
type AuditLogger struct {
	requestID string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRequest returns an audit logger that stamps every event with requestID.
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	l := Get(CategoryAudit).Zap()

	fields := make([]zap.Field, 0, 8+len(event.Fields))
	fields = append(fields,
		zap.String("event", string(event.EventType)),
		zap.Int64("ts", time.Now().UnixMilli()),
		zap.Bool("success", event.Success),
	)
	if a.requestID != "" {
		fields = append(fields, zap.String("req", a.requestID))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	if event.Success {
		l.Info(msg, fields...)
	} else {
		l.Warn(msg, fields...)
	}
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// PromptAssembled records one assembly and the fragment/version pairs it used.
func (a *AuditLogger) PromptAssembled(sections []string, promptLen int, generation uint64, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditPromptAssembled,
		Success:    true,
		DurationMs: durationMs,
		Fields: map[string]interface{}{
			"sections":   sections,
			"chars":      promptLen,
			"generation": generation,
		},
	})
}

// CompositeAssembled records a composite assembly; degraded marks a full-text fallback.
func (a *AuditLogger) CompositeAssembled(name string, components []string, degraded bool, errMsg string) {
	eventType := AuditCompositeAssembled
	if degraded {
		eventType = AuditCompositeDegraded
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    name,
		Success:   !degraded,
		Error:     errMsg,
		Fields:    map[string]interface{}{"components": components},
	})
}

// ExperimentCreated records experiment creation.
func (a *AuditLogger) ExperimentCreated(id, fragment, metric string) {
	a.Log(AuditEvent{
		EventType: AuditExperimentCreated,
		Target:    id,
		Success:   true,
		Fields:    map[string]interface{}{"fragment": fragment, "metric": metric},
	})
}

// ExperimentTransition records a lifecycle change or a rejected one.
func (a *AuditLogger) ExperimentTransition(id, from, to string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditExperimentTransition,
		Target:    id,
		Action:    from + "->" + to,
		Success:   success,
		Error:     errMsg,
	})
}

// OutcomeRecorded records one metric sample attributed to a variant.
func (a *AuditLogger) OutcomeRecorded(id, label string, value float64) {
	a.Log(AuditEvent{
		EventType: AuditOutcomeRecorded,
		Target:    id,
		Action:    label,
		Success:   true,
		Fields:    map[string]interface{}{"value": value},
	})
}

// WinnerComputed records the winner decision for an experiment.
func (a *AuditLogger) WinnerComputed(id, winner string, confidence float64) {
	a.Log(AuditEvent{
		EventType: AuditWinnerComputed,
		Target:    id,
		Action:    winner,
		Success:   true,
		Fields:    map[string]interface{}{"confidence": confidence},
	})
}

// FragmentSaved records a fragment write; revised distinguishes a new version.
func (a *AuditLogger) FragmentSaved(name, versionID string, revised bool) {
	eventType := AuditFragmentSaved
	if revised {
		eventType = AuditFragmentRevised
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    name,
		Action:    versionID,
		Success:   true,
	})
}

// StoreReloaded records a full template store reload.
func (a *AuditLogger) StoreReloaded(source string, fragments int, generation uint64, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditStoreReloaded,
		Target:    source,
		Success:   errMsg == "",
		Error:     errMsg,
		Fields:    map[string]interface{}{"fragments": fragments, "generation": generation},
	})
}
