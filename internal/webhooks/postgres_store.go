package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

// PostgresStore keeps subscriptions in the webhook_subscriptions table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, owner_id, url, secret, events, active, created_at,
	       last_success, last_error, consecutive_failures
	FROM webhook_subscriptions`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, owner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.URL, sub.Secret, pq.Array(eventNames(sub.Events)), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	return p.list(ctx, selectSubscription+` WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

// ListByEvent returns active subscriptions whose event list contains t.
func (p *PostgresStore) ListByEvent(ctx context.Context, t escrow.NotificationType) ([]*Subscription, error) {
	return p.list(ctx, selectSubscription+` WHERE active AND events @> ARRAY[$1]::text[] ORDER BY created_at DESC`, string(t))
}

// Update writes delivery bookkeeping; the endpoint and events are immutable.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET active = $2, last_success = $3, last_error = NULLIF($4, ''), consecutive_failures = $5
		WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update webhook subscription: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) list(ctx context.Context, query string, arg any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      pq.StringArray
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &events, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures); err != nil {
		return nil, err
	}

	sub.Events = make([]escrow.NotificationType, len(events))
	for i, e := range events {
		sub.Events[i] = escrow.NotificationType(e)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func eventNames(types []escrow.NotificationType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
