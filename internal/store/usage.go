package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AppendUsageEvent writes one row to the raw usage log. The aggregate in
// quota_usage is reconciled against this log periodically.
func (s *Store) AppendUsageEvent(ctx context.Context, tenant, resource string, amount int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_events (tenant, resource, amount, created_at)
		VALUES ($1, $2, $3, NOW())
	`, tenant, resource, amount)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// IncrementUsage atomically bumps the running counter for the current period
// and returns the new total. The upsert guarantees concurrent increments never
// lose updates.
func (s *Store) IncrementUsage(ctx context.Context, tenant, resource, period string, periodStart time.Time, amount int64) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_usage (tenant, resource, period, period_start, used, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant, resource, period, period_start)
		DO UPDATE SET used = quota_usage.used + EXCLUDED.used, updated_at = NOW()
		RETURNING used
	`, tenant, resource, period, periodStart, amount).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return used, nil
}

// GetUsage reads the aggregated counter for one period window.
func (s *Store) GetUsage(ctx context.Context, tenant, resource, period string, periodStart time.Time) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
		SELECT used FROM quota_usage
		WHERE tenant = $1 AND resource = $2 AND period = $3 AND period_start = $4
	`, tenant, resource, period, periodStart).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query usage: %w", err)
	}
	return used, nil
}

// ListActiveTenants returns tenants with usage in the current day, for
// reconcile passes.
func (s *Store) ListActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant FROM usage_events WHERE created_at >= date_trunc('day', NOW())
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ReconcileUsage recomputes the aggregate for a period window from the raw
// usage log, correcting any drift introduced by lost real-time increments.
func (s *Store) ReconcileUsage(ctx context.Context, period string, periodStart, periodEnd time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_usage (tenant, resource, period, period_start, used, updated_at)
		SELECT tenant, resource, $1, $2, COALESCE(SUM(amount), 0), NOW()
		FROM usage_events
		WHERE created_at >= $2 AND created_at < $3
		GROUP BY tenant, resource
		ON CONFLICT (tenant, resource, period, period_start)
		DO UPDATE SET used = EXCLUDED.used, updated_at = NOW()
	`, period, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("reconcile usage: %w", err)
	}
	return nil
}
