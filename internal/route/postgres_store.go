package route

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists traces in PostgreSQL. Stops are JSONB arrays.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const traceColumns = `actor_id, trace_date, start_lat, start_lng, planned_stops, actual_stops, created_at, updated_at`

func (p *PostgresStore) SavePlan(ctx context.Context, t *Trace) (*Trace, error) {
	planned, err := json.Marshal(nonNilPlanned(t.PlannedStops))
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO route_traces (`+traceColumns+`)
		VALUES ($1, $2, $3, $4, $5, '[]', $6, $6)
		ON CONFLICT (actor_id, trace_date) DO UPDATE SET
			start_lat     = EXCLUDED.start_lat,
			start_lng     = EXCLUDED.start_lng,
			planned_stops = EXCLUDED.planned_stops,
			updated_at    = EXCLUDED.updated_at
		RETURNING `+traceColumns,
		t.ActorID, t.Date, t.Start.Latitude, t.Start.Longitude, string(planned), t.UpdatedAt,
	)
	return scanTrace(row)
}

func (p *PostgresStore) AppendStop(ctx context.Context, actorID, date string, stop ActualStop, at time.Time) (*Trace, error) {
	data, err := json.Marshal([]ActualStop{stop})
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE route_traces SET
			actual_stops = actual_stops || $3::jsonb,
			updated_at   = $4
		WHERE actor_id = $1 AND trace_date = $2
		RETURNING `+traceColumns, actorID, date, string(data), at)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	return t, err
}

func (p *PostgresStore) Get(ctx context.Context, actorID, date string) (*Trace, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+traceColumns+` FROM route_traces
		WHERE actor_id = $1 AND trace_date = $2`, actorID, date)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*Trace, error) {
	var (
		t               Trace
		day             time.Time
		planned, actual []byte
	)
	err := row.Scan(&t.ActorID, &day, &t.Start.Latitude, &t.Start.Longitude,
		&planned, &actual, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Date = day.Format(DateLayout)
	// A corrupt stop list must fail the read rather than audit an empty day.
	if err := json.Unmarshal(planned, &t.PlannedStops); err != nil {
		return nil, fmt.Errorf("decode planned stops: %w", err)
	}
	if err := json.Unmarshal(actual, &t.ActualStops); err != nil {
		return nil, fmt.Errorf("decode actual stops: %w", err)
	}
	return &t, nil
}

func nonNilPlanned(s []PlannedStop) []PlannedStop {
	if s == nil {
		return []PlannedStop{}
	}
	return s
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
