// Package tracker is the orchestration layer for scan failure
// bookkeeping: it classifies raw errors, records them durably, answers
// skip queries on the hot scan path, and drives the manual
// retry/exclude/resolve lifecycle.
package tracker

import (
	"fmt"
	"time"

	"syncwatch/internal/classify"
	"syncwatch/internal/failure"
	"syncwatch/internal/logging"
	"syncwatch/internal/metrics"
	"syncwatch/internal/store"
)

const maxStoredMessageLen = 1000

// Tracker wires the classifier registry to the failure store. It is
// safe for concurrent use; all state lives in the store.
type Tracker struct {
	store    *store.Store
	registry *classify.Registry
	log      *logging.Logger
}

// New returns a tracker over the given store and registry.
func New(st *store.Store, reg *classify.Registry, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.Default()
	}
	return &Tracker{store: st, registry: reg, log: log.WithComponent("tracker")}
}

// TrackError classifies one scan error and records it. The same
// resource failing again increments its existing record in place.
// Returns the failure record id.
func (t *Tracker) TrackError(userID string, st failure.SourceType, sourceID, resourcePath string, scanErr error, fctx *failure.Context) (string, error) {
	if fctx == nil {
		fctx = &failure.Context{ResourcePath: resourcePath, SourceID: sourceID}
	}

	c := t.registry.For(st)
	cls := c.Classify(scanErr, fctx)

	msg := scanErr.Error()
	if len(msg) > maxStoredMessageLen {
		msg = msg[:maxStoredMessageLen]
	}

	diag := cls.Diagnostics
	if diag == nil {
		diag = map[string]any{}
	}
	if cls.RecommendedAction != "" {
		diag["recommended_action"] = cls.RecommendedAction
	}
	for k, v := range fctx.Extra {
		diag[k] = v
	}

	httpStatus := classify.ExtractHTTPStatus(msg)
	if v, ok := diag["http_status"].(int); ok {
		httpStatus = v
	}
	errorCode := classify.ExtractErrorCode(msg)
	if v, ok := diag["error_code"].(string); ok {
		errorCode = v
	}

	inc := &failure.Incident{
		UserID:             userID,
		SourceType:         st,
		SourceID:           sourceID,
		ResourcePath:       resourcePath,
		ErrorType:          cls.ErrorType,
		Severity:           cls.Severity,
		RetryStrategy:      cls.RetryStrategy,
		RetryDelaySeconds:  cls.RetryDelaySeconds,
		MaxRetries:         cls.MaxRetries,
		ErrorMessage:       msg,
		ErrorCode:          errorCode,
		HTTPStatusCode:     httpStatus,
		ResponseTimeMs:     int(fctx.ResponseTime.Milliseconds()),
		ResponseSizeBytes:  fctx.ResponseSize,
		ResourceDepth:      classify.PathDepth(resourcePath),
		EstimatedItemCount: classify.EstimateItemCount(msg),
		DiagnosticData:     diag,
	}

	id, err := t.store.RecordScanFailure(inc)
	if err != nil {
		return "", fmt.Errorf("record failure for %s: %w", resourcePath, err)
	}
	metrics.GetMetrics().RecordFailure()

	t.log.Warn("scan failure recorded",
		"failure_id", id,
		"source_type", string(st),
		"path", resourcePath,
		"error_type", string(cls.ErrorType),
		"severity", string(cls.Severity),
	)
	return id, nil
}

// ShouldSkipResource reports whether a resource should be skipped on
// this cycle. Storage errors fail open: a broken failure store must
// never stop scanning.
func (t *Tracker) ShouldSkipResource(userID string, st failure.SourceType, sourceID, resourcePath string) bool {
	return t.ShouldSkipResourceDetailed(userID, st, sourceID, resourcePath).Skip
}

// ShouldSkipResourceDetailed answers the skip question with the reason
// and remaining cooldown attached.
func (t *Tracker) ShouldSkipResourceDetailed(userID string, st failure.SourceType, sourceID, resourcePath string) failure.SkipDecision {
	f, err := t.store.GetFailureByResource(userID, st, sourceID, resourcePath)
	if err != nil {
		t.log.Error("skip lookup failed, scanning anyway", "path", resourcePath, "error", err)
		return failure.SkipDecision{}
	}
	if f == nil || f.Resolved {
		return failure.SkipDecision{}
	}

	d := failure.SkipDecision{FailureCount: f.FailureCount}
	switch {
	case f.UserExcluded:
		d.Skip = true
		d.Reason = "excluded by user"
	case (f.Severity == failure.SeverityCritical || f.Severity == failure.SeverityHigh) && f.FailureCount > 3:
		d.Skip = true
		d.Reason = fmt.Sprintf("%s severity with %d failures", f.Severity, f.FailureCount)
	case f.NextRetryAt > time.Now().Unix():
		d.Skip = true
		d.Reason = "retry cooldown active"
		d.CooldownRemaining = time.Duration(f.NextRetryAt-time.Now().Unix()) * time.Second
	}
	if d.Skip {
		metrics.GetMetrics().RecordSkip()
	}
	return d
}

// MarkSuccess resolves any active failure record for a resource after
// a successful scan. Calling it for a resource with no record, or one
// already resolved, is a cheap no-op.
func (t *Tracker) MarkSuccess(userID string, st failure.SourceType, sourceID, resourcePath string) error {
	ok, err := t.store.ResolveScanFailure(userID, st, sourceID, resourcePath, "successful_scan")
	if err != nil {
		return fmt.Errorf("mark success for %s: %w", resourcePath, err)
	}
	if ok {
		t.log.Info("failure resolved by successful scan",
			"source_type", string(st), "path", resourcePath)
	}
	return nil
}

// RetryCandidates returns active failures that are due for another
// attempt, least severe first, filtered through each record's
// classifier-specific retry budget. sourceType "" means all types.
func (t *Tracker) RetryCandidates(userID string, st failure.SourceType, limit int) ([]*failure.ScanFailure, error) {
	cands, err := t.store.RetryCandidates(userID, st, limit)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	out := cands[:0]
	for _, f := range cands {
		if t.registry.For(f.SourceType).ShouldRetry(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// RetryFailure clears a record's counters and cooldown so the next
// cycle attempts the resource immediately. Returns false when the id
// does not exist for this user.
func (t *Tracker) RetryFailure(userID, id string) (bool, error) {
	ok, err := t.store.ResetScanFailure(userID, id)
	if err != nil {
		return false, fmt.Errorf("retry failure %s: %w", id, err)
	}
	if ok {
		t.log.Info("failure reset for retry", "failure_id", id)
	}
	return ok, nil
}

// ExcludeResource permanently excludes a record's resource from
// scanning until a human reverses it.
func (t *Tracker) ExcludeResource(userID, id, notes string) (bool, error) {
	ok, err := t.store.ExcludeFromScan(userID, id, notes)
	if err != nil {
		return false, fmt.Errorf("exclude failure %s: %w", id, err)
	}
	if ok {
		t.log.Info("resource excluded from scanning", "failure_id", id)
	}
	return ok, nil
}

// ResolveFailure manually marks a failure resolved.
func (t *Tracker) ResolveFailure(userID, id, notes string) (bool, error) {
	ok, err := t.store.ResolveFailureByID(userID, id, "manual", notes)
	if err != nil {
		return false, fmt.Errorf("resolve failure %s: %w", id, err)
	}
	if ok {
		t.log.Info("failure manually resolved", "failure_id", id)
	}
	return ok, nil
}

// GetFailure returns one failure with its diagnostic summary, or nil.
func (t *Tracker) GetFailure(userID, id string) (*failure.Details, error) {
	f, err := t.store.GetFailure(userID, id)
	if err != nil {
		return nil, fmt.Errorf("get failure %s: %w", id, err)
	}
	if f == nil {
		return nil, nil
	}
	d := &failure.Details{ScanFailure: *f, Diagnostics: t.summarize(f)}
	return d, nil
}

// ListFailures returns matching failures with diagnostic summaries,
// most recent first.
func (t *Tracker) ListFailures(userID string, q *failure.ListQuery) ([]*failure.Details, error) {
	if q == nil {
		q = &failure.ListQuery{}
	}
	fs, err := t.store.ListFailures(userID, q)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	out := make([]*failure.Details, 0, len(fs))
	for _, f := range fs {
		out = append(out, &failure.Details{ScanFailure: *f, Diagnostics: t.summarize(f)})
	}
	return out, nil
}

// Stats aggregates a user's failures. sourceType "" means all types.
func (t *Tracker) Stats(userID string, st failure.SourceType) (*failure.Stats, error) {
	stats, err := t.store.FailureStats(userID, st)
	if err != nil {
		return nil, fmt.Errorf("failure stats: %w", err)
	}
	return stats, nil
}

func (t *Tracker) summarize(f *failure.ScanFailure) failure.DiagnosticSummary {
	c := t.registry.For(f.SourceType)
	canRetry := c.ShouldRetry(f)

	sum := failure.DiagnosticSummary{
		UserMessage:        c.UserMessage(f),
		ResourceDepth:      f.ResourceDepth,
		EstimatedItemCount: f.EstimatedItemCount,
		ResponseTimeMs:     f.ResponseTimeMs,
		ResponseSizeMB:     float64(f.ResponseSizeBytes) / (1024 * 1024),
		ResourceSizeMB:     float64(f.ResourceSizeBytes) / (1024 * 1024),
		CanRetry:           canRetry,
		UserActionRequired: f.UserExcluded || (!canRetry && f.Severity.Rank() >= failure.SeverityHigh.Rank()),
		SourceSpecific:     map[string]any{},
	}
	for k, v := range f.DiagnosticData {
		if k == "recommended_action" {
			if s, ok := v.(string); ok {
				sum.RecommendedAction = s
			}
			continue
		}
		sum.SourceSpecific[k] = v
	}
	return sum
}
