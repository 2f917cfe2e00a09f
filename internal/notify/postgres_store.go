package notify

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists subscriptions in the webhooks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)), sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks
		WHERE active = TRUE AND $1 = ANY(events)`, string(eventType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5`,
		sub.Active, nullTime(sub), nullString(sub.LastError), sub.ConsecutiveFailures, sub.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events pq.StringArray
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	sub.Events = make([]EventType, len(events))
	for i, e := range events {
		sub.Events[i] = EventType(e)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
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

func eventStrings(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(sub *Subscription) sql.NullTime {
	if sub.LastSuccess == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *sub.LastSuccess, Valid: true}
}
