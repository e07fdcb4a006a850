package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"webhook-relay/internal/models"
)

// AppendDeliveryLog records one attempt. Entries are append-only; nothing in
// this package updates or deletes them.
func (s *Store) AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_logs (job_id, subscriber_id, event, attempt, request_headers, body_hash,
			status_code, response_body, latency_ms, outcome, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, e.JobID, e.SubscriberID, e.Event, e.Attempt, e.RequestHeaders, e.BodyHash,
		e.StatusCode, e.ResponseBody, e.LatencyMS, e.Outcome, e.Error)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// DeliveryLogFilter narrows ListDeliveryLogs. Zero values mean no filter.
type DeliveryLogFilter struct {
	JobID        string
	SubscriberID string
	Event        string
	Outcome      string
	Limit        int
}

// ListDeliveryLogs returns attempt records matching the filter, newest first,
// attempts ordered within a job.
func (s *Store) ListDeliveryLogs(ctx context.Context, f DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, subscriber_id, event, attempt, request_headers, body_hash,
			status_code, response_body, latency_ms, outcome, error, created_at
		FROM delivery_logs
		WHERE ($1 = '' OR job_id = $1)
		  AND ($2 = '' OR subscriber_id = $2)
		  AND ($3 = '' OR event = $3)
		  AND ($4 = '' OR outcome = $4)
		ORDER BY created_at DESC, attempt DESC
		LIMIT $5
	`, f.JobID, f.SubscriberID, f.Event, f.Outcome, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var entries []models.DeliveryLogEntry
	for rows.Next() {
		var e models.DeliveryLogEntry
		var status pgtype.Int4
		var respBody, errText pgtype.Text
		if err := rows.Scan(&e.ID, &e.JobID, &e.SubscriberID, &e.Event, &e.Attempt,
			&e.RequestHeaders, &e.BodyHash, &status, &respBody, &e.LatencyMS,
			&e.Outcome, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		e.StatusCode = intPtr(status)
		e.ResponseBody = textPtr(respBody)
		e.Error = textPtr(errText)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
