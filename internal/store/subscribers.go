package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"webhook-relay/internal/models"
)

// CreateSubscriber inserts a subscriber and returns it with the secret visible
// exactly once. Every later read masks it.
func (s *Store) CreateSubscriber(ctx context.Context, tenant, url, secret string, events []string) (models.Subscriber, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscribers (id, tenant, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
	`, id, tenant, url, secret, events, now)
	if err != nil {
		return models.Subscriber{}, fmt.Errorf("insert subscriber: %w", err)
	}

	return models.Subscriber{
		ID:        id,
		Tenant:    tenant,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func scanSubscriber(row pgx.Row) (models.Subscriber, error) {
	var sub models.Subscriber
	err := row.Scan(&sub.ID, &sub.Tenant, &sub.URL, &sub.Events, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return models.Subscriber{}, err
	}
	sub.Secret = models.MaskedSecret
	return sub, nil
}

const subscriberColumns = `id, tenant, url, events, active, created_at, updated_at`

// GetSubscriber fetches one subscriber with the secret masked.
func (s *Store) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM webhook_subscribers WHERE id = $1`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscriber{}, fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscriber{}, fmt.Errorf("scan subscriber: %w", err)
	}
	return sub, nil
}

// GetSubscriberSecret resolves the raw signing secret. Only the delivery path
// calls this; it is never exposed over any read API.
func (s *Store) GetSubscriberSecret(ctx context.Context, id string) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx, `SELECT secret FROM webhook_subscribers WHERE id = $1`, id).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query subscriber secret: %w", err)
	}
	return secret, nil
}

// ListSubscribers returns all subscribers for a tenant, secrets masked.
func (s *Store) ListSubscribers(ctx context.Context, tenant string) ([]models.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriberColumns+` FROM webhook_subscribers
		WHERE ($1 = '' OR tenant = $1)
		ORDER BY created_at DESC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListActiveByEvent returns active subscribers for a tenant that subscribed to
// the given event type (or to "*").
func (s *Store) ListActiveByEvent(ctx context.Context, tenant, event string) ([]models.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriberColumns+` FROM webhook_subscribers
		WHERE tenant = $1 AND active AND (events @> ARRAY[$2]::text[] OR events @> ARRAY['*']::text[])
		ORDER BY created_at
	`, tenant, event)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeactivateSubscriber soft-disables delivery while preserving history.
func (s *Store) DeactivateSubscriber(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscribers SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active
	`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate subscriber: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
