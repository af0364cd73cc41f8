package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"syncwatch/internal/failure"
)

// severityRank orders text severities in SQL, lowest first.
const severityRank = `CASE error_severity
    WHEN 'critical' THEN 4
    WHEN 'high' THEN 3
    WHEN 'medium' THEN 2
    ELSE 1 END`

const failureColumns = `id, user_id, source_type, source_id, resource_path,
    error_type, error_severity, failure_count, consecutive_failures,
    first_failure_at, last_failure_at, last_retry_at, next_retry_at,
    error_message, error_code, http_status_code,
    response_time_ms, response_size_bytes, resource_size_bytes,
    resource_depth, estimated_item_count, diagnostic_data,
    user_excluded, user_notes,
    retry_strategy, max_retries, retry_delay_seconds,
    resolved, resolved_at, resolution_method, resolution_notes,
    created_at, updated_at`

// RecordScanFailure creates or increments the failure record for the
// incident's resource in one atomic statement. On increment the record
// takes the newest classification, the counters grow, the resolved flag
// clears, and next_retry_at is recomputed from the retry strategy:
// fixed delay, delay scaled by the consecutive count, or delay doubled
// per consecutive failure with the exponent capped at 8. Unknown errors
// escalate to high severity once they repeat more than five times.
// Returns the record id.
func (s *Store) RecordScanFailure(inc *failure.Incident) (string, error) {
	now := time.Now().Unix()
	id := uuid.NewString()

	diag, err := json.Marshal(orEmpty(inc.DiagnosticData))
	if err != nil {
		return "", fmt.Errorf("marshal diagnostics: %w", err)
	}

	// First occurrence: consecutive_failures is 1, so every strategy
	// degenerates to the base delay.
	firstRetryAt := now + int64(inc.RetryDelaySeconds)

	row := s.db.QueryRow(`
		INSERT INTO source_scan_failures (
			id, user_id, source_type, source_id, resource_path,
			error_type, error_severity,
			first_failure_at, last_failure_at, next_retry_at,
			error_message, error_code, http_status_code,
			response_time_ms, response_size_bytes, resource_size_bytes,
			resource_depth, estimated_item_count, diagnostic_data,
			retry_strategy, max_retries, retry_delay_seconds,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source_type, source_id, resource_path) DO UPDATE SET
			failure_count = failure_count + 1,
			consecutive_failures = consecutive_failures + 1,
			error_type = excluded.error_type,
			error_severity = CASE
				WHEN excluded.error_type = 'unknown' AND failure_count + 1 > 5 THEN 'high'
				ELSE excluded.error_severity END,
			last_failure_at = excluded.last_failure_at,
			next_retry_at = excluded.last_failure_at + CASE excluded.retry_strategy
				WHEN 'linear' THEN excluded.retry_delay_seconds * (consecutive_failures + 1)
				WHEN 'exponential' THEN excluded.retry_delay_seconds << min(consecutive_failures, 8)
				ELSE excluded.retry_delay_seconds END,
			error_message = excluded.error_message,
			error_code = excluded.error_code,
			http_status_code = excluded.http_status_code,
			response_time_ms = excluded.response_time_ms,
			response_size_bytes = excluded.response_size_bytes,
			resource_size_bytes = excluded.resource_size_bytes,
			resource_depth = excluded.resource_depth,
			estimated_item_count = excluded.estimated_item_count,
			diagnostic_data = excluded.diagnostic_data,
			retry_strategy = excluded.retry_strategy,
			max_retries = excluded.max_retries,
			retry_delay_seconds = excluded.retry_delay_seconds,
			resolved = 0,
			resolved_at = 0,
			resolution_method = '',
			updated_at = excluded.updated_at
		RETURNING id`,
		id, inc.UserID, string(inc.SourceType), inc.SourceID, inc.ResourcePath,
		string(inc.ErrorType), string(inc.Severity),
		now, now, firstRetryAt,
		inc.ErrorMessage, inc.ErrorCode, inc.HTTPStatusCode,
		inc.ResponseTimeMs, inc.ResponseSizeBytes, inc.ResourceSizeBytes,
		inc.ResourceDepth, inc.EstimatedItemCount, string(diag),
		string(inc.RetryStrategy), inc.MaxRetries, inc.RetryDelaySeconds,
		now, now,
	)

	var recordID string
	if err := row.Scan(&recordID); err != nil {
		return "", fmt.Errorf("record scan failure: %w", err)
	}
	return recordID, nil
}

// GetFailure returns a failure record by id, or nil if absent.
func (s *Store) GetFailure(userID, id string) (*failure.ScanFailure, error) {
	row := s.db.QueryRow(
		`SELECT `+failureColumns+` FROM source_scan_failures WHERE user_id = ? AND id = ?`,
		userID, id,
	)
	return scanFailureRow(row)
}

// GetFailureByResource returns the failure record for one resource key,
// or nil if the resource has no record.
func (s *Store) GetFailureByResource(userID string, st failure.SourceType, sourceID, resourcePath string) (*failure.ScanFailure, error) {
	row := s.db.QueryRow(
		`SELECT `+failureColumns+` FROM source_scan_failures
		 WHERE user_id = ? AND source_type = ? AND source_id = ? AND resource_path = ?`,
		userID, string(st), sourceID, resourcePath,
	)
	return scanFailureRow(row)
}

// ResolveScanFailure marks a resource's failure resolved and resets its
// consecutive counter. failure_count is preserved as history. Returns
// false when no active record existed.
func (s *Store) ResolveScanFailure(userID string, st failure.SourceType, sourceID, resourcePath, method string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE source_scan_failures
		SET resolved = 1, resolved_at = ?, resolution_method = ?,
		    consecutive_failures = 0, next_retry_at = 0, updated_at = ?
		WHERE user_id = ? AND source_type = ? AND source_id = ? AND resource_path = ?
		  AND resolved = 0`,
		now, method, now, userID, string(st), sourceID, resourcePath,
	)
	if err != nil {
		return false, fmt.Errorf("resolve scan failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ResolveFailureByID marks one failure record resolved by id.
func (s *Store) ResolveFailureByID(userID, id, method, notes string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE source_scan_failures
		SET resolved = 1, resolved_at = ?, resolution_method = ?, resolution_notes = ?,
		    consecutive_failures = 0, next_retry_at = 0, updated_at = ?
		WHERE user_id = ? AND id = ? AND resolved = 0`,
		now, method, notes, now, userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetScanFailure clears a record's counters and retry schedule so the
// next cycle attempts the resource immediately. The user exclusion flag
// is also cleared: a reset is an explicit human request to try again.
func (s *Store) ResetScanFailure(userID, id string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE source_scan_failures
		SET failure_count = 0, consecutive_failures = 0,
		    next_retry_at = 0, last_retry_at = ?,
		    resolved = 0, resolved_at = 0, resolution_method = '',
		    user_excluded = 0, updated_at = ?
		WHERE user_id = ? AND id = ?`,
		now, now, userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("reset scan failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ExcludeFromScan flags a record's resource as permanently excluded
// from scanning until a human clears it.
func (s *Store) ExcludeFromScan(userID, id, notes string) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE source_scan_failures
		SET user_excluded = 1,
		    user_notes = CASE WHEN ? != '' THEN ? ELSE user_notes END,
		    updated_at = ?
		WHERE user_id = ? AND id = ?`,
		notes, notes, now, userID, id,
	)
	if err != nil {
		return false, fmt.Errorf("exclude from scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RetryCandidates returns active failures whose cooldown has passed and
// whose retry budget is not exhausted, least severe and longest-waiting
// first. sourceType "" means all source types.
func (s *Store) RetryCandidates(userID string, st failure.SourceType, limit int) ([]*failure.ScanFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().Unix()

	query := `SELECT ` + failureColumns + ` FROM source_scan_failures
		WHERE user_id = ? AND resolved = 0 AND user_excluded = 0
		  AND next_retry_at <= ? AND failure_count < max_retries`
	args := []any{userID, now}
	if st != "" {
		query += ` AND source_type = ?`
		args = append(args, string(st))
	}
	query += ` ORDER BY ` + severityRank + ` ASC, next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query retry candidates: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

// ListFailures returns failure records matching the query filters,
// most severe first, then most recently failed.
func (s *Store) ListFailures(userID string, q *failure.ListQuery) ([]*failure.ScanFailure, error) {
	conds := []string{"user_id = ?"}
	args := []any{userID}

	if !q.IncludeResolved {
		conds = append(conds, "resolved = 0")
	}
	if !q.IncludeExcluded {
		conds = append(conds, "user_excluded = 0")
	}
	if q.SourceType != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, string(q.SourceType))
	}
	if q.SourceID != "" {
		conds = append(conds, "source_id = ?")
		args = append(args, q.SourceID)
	}
	if q.ErrorType != "" {
		conds = append(conds, "error_type = ?")
		args = append(args, string(q.ErrorType))
	}
	if q.Severity != "" {
		conds = append(conds, "error_severity = ?")
		args = append(args, string(q.Severity))
	}
	if q.ReadyForRetry {
		conds = append(conds, "next_retry_at <= ? AND failure_count < max_retries")
		args = append(args, time.Now().Unix())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + failureColumns + ` FROM source_scan_failures WHERE ` +
		strings.Join(conds, " AND ") +
		` ORDER BY ` + severityRank + ` DESC, last_failure_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

// FailureStats aggregates a user's failure records. sourceType "" means
// all source types.
func (s *Store) FailureStats(userID string, st failure.SourceType) (*failure.Stats, error) {
	now := time.Now().Unix()

	query := `SELECT
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0),
		COUNT(*) FILTER (WHERE resolved = 1),
		COUNT(*) FILTER (WHERE user_excluded = 1),
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0 AND error_severity = 'critical'),
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0 AND error_severity = 'high'),
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0 AND error_severity = 'medium'),
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0 AND error_severity = 'low'),
		COUNT(*) FILTER (WHERE resolved = 0 AND user_excluded = 0
			AND next_retry_at <= ? AND failure_count < max_retries)
	FROM source_scan_failures WHERE user_id = ?`
	args := []any{now, userID}
	if st != "" {
		query += ` AND source_type = ?`
		args = append(args, string(st))
	}

	st8 := &failure.Stats{
		BySourceType: make(map[string]int64),
		ByErrorType:  make(map[string]int64),
	}
	if err := s.db.QueryRow(query, args...).Scan(
		&st8.ActiveFailures, &st8.ResolvedFailures, &st8.ExcludedResources,
		&st8.CriticalFailures, &st8.HighFailures, &st8.MediumFailures, &st8.LowFailures,
		&st8.ReadyForRetry,
	); err != nil {
		return nil, fmt.Errorf("query failure stats: %w", err)
	}

	if err := s.fillGroupCounts(st8.BySourceType, "source_type", userID, st); err != nil {
		return nil, err
	}
	if err := s.fillGroupCounts(st8.ByErrorType, "error_type", userID, st); err != nil {
		return nil, err
	}
	return st8, nil
}

func (s *Store) fillGroupCounts(dst map[string]int64, column, userID string, st failure.SourceType) error {
	query := `SELECT ` + column + `, COUNT(*) FROM source_scan_failures
		WHERE user_id = ? AND resolved = 0 AND user_excluded = 0`
	args := []any{userID}
	if st != "" {
		query += ` AND source_type = ?`
		args = append(args, string(st))
	}
	query += ` GROUP BY ` + column

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query %s counts: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

func collectFailures(rows *sql.Rows) ([]*failure.ScanFailure, error) {
	var out []*failure.ScanFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailure(row rowScanner) (*failure.ScanFailure, error) {
	var f failure.ScanFailure
	var srcType, errType, severity, strategy, diag string
	var excluded, resolved int
	if err := row.Scan(
		&f.ID, &f.UserID, &srcType, &f.SourceID, &f.ResourcePath,
		&errType, &severity, &f.FailureCount, &f.ConsecutiveFailures,
		&f.FirstFailureAt, &f.LastFailureAt, &f.LastRetryAt, &f.NextRetryAt,
		&f.ErrorMessage, &f.ErrorCode, &f.HTTPStatusCode,
		&f.ResponseTimeMs, &f.ResponseSizeBytes, &f.ResourceSizeBytes,
		&f.ResourceDepth, &f.EstimatedItemCount, &diag,
		&excluded, &f.UserNotes,
		&strategy, &f.MaxRetries, &f.RetryDelaySeconds,
		&resolved, &f.ResolvedAt, &f.ResolutionMethod, &f.ResolutionNotes,
		&f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan failure row: %w", err)
	}
	f.SourceType = failure.SourceType(srcType)
	f.ErrorType = failure.ErrorType(errType)
	f.Severity = failure.Severity(severity)
	f.RetryStrategy = failure.RetryStrategy(strategy)
	f.UserExcluded = excluded != 0
	f.Resolved = resolved != 0
	if diag != "" && diag != "{}" {
		if err := json.Unmarshal([]byte(diag), &f.DiagnosticData); err != nil {
			return nil, fmt.Errorf("decode diagnostics: %w", err)
		}
	}
	return &f, nil
}

func scanFailureRow(row *sql.Row) (*failure.ScanFailure, error) {
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
