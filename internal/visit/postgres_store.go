package visit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/fieldguard/internal/geo"
)

// PostgresTargetStore persists targets in PostgreSQL.
type PostgresTargetStore struct {
	db *sql.DB
}

// NewPostgresTargetStore creates a new PostgreSQL-backed target directory.
func NewPostgresTargetStore(db *sql.DB) *PostgresTargetStore {
	return &PostgresTargetStore{db: db}
}

const targetColumns = `id, kind, name, latitude, longitude, document_id, created_at, updated_at`

func (p *PostgresTargetStore) Upsert(ctx context.Context, t *Target) (*Target, error) {
	var lat, lng sql.NullFloat64
	if t.Point != nil {
		lat = sql.NullFloat64{Float64: t.Point.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: t.Point.Longitude, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind        = EXCLUDED.kind,
			name        = EXCLUDED.name,
			latitude    = EXCLUDED.latitude,
			longitude   = EXCLUDED.longitude,
			document_id = EXCLUDED.document_id,
			updated_at  = EXCLUDED.updated_at
		RETURNING `+targetColumns,
		t.ID, t.Kind, nullString(t.Name), lat, lng, nullString(t.DocumentID), t.CreatedAt, t.UpdatedAt,
	)
	return scanTarget(row)
}

func (p *PostgresTargetStore) Get(ctx context.Context, id string) (*Target, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTargetNotFound
	}
	return t, err
}

// PostgresOutcomeStore persists visit outcomes in PostgreSQL.
type PostgresOutcomeStore struct {
	db *sql.DB
}

// NewPostgresOutcomeStore creates a new PostgreSQL-backed outcome store.
func NewPostgresOutcomeStore(db *sql.DB) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{db: db}
}

const outcomeColumns = `id, actor_id, target_id, target_kind, document_id, claimed_lat, claimed_lng,
	claimed_at, distance_meters, tolerance_meters, location_valid, qr_valid, scan_ordinal, flags, created_at`

func (p *PostgresOutcomeStore) Create(ctx context.Context, o *Outcome) error {
	var distance sql.NullFloat64
	if o.DistanceMeters != nil {
		distance = sql.NullFloat64{Float64: *o.DistanceMeters, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO visit_outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.VisitID, o.ActorID, o.TargetID, nullString(o.TargetKind), nullString(o.DocumentID),
		o.ClaimedPoint.Latitude, o.ClaimedPoint.Longitude, o.ClaimedAt, distance,
		o.ToleranceMeters, o.LocationValid, o.QRValid, o.ScanOrdinal, pq.Array(o.Flags), o.CreatedAt,
	)
	return err
}

func (p *PostgresOutcomeStore) Get(ctx context.Context, id string) (*Outcome, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM visit_outcomes WHERE id = $1`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	return o, err
}

func (p *PostgresOutcomeStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+` FROM visit_outcomes
		WHERE actor_id = $1
		ORDER BY claimed_at DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*Target, error) {
	var (
		t              Target
		name, document sql.NullString
		lat, lng       sql.NullFloat64
	)
	if err := row.Scan(&t.ID, &t.Kind, &name, &lat, &lng, &document, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Name = name.String
	t.DocumentID = document.String
	if lat.Valid && lng.Valid {
		t.Point = &geo.Point{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	return &t, nil
}

func scanOutcome(row scanner) (*Outcome, error) {
	var (
		o              Outcome
		kind, document sql.NullString
		distance       sql.NullFloat64
		flags          pq.StringArray
	)
	err := row.Scan(&o.VisitID, &o.ActorID, &o.TargetID, &kind, &document,
		&o.ClaimedPoint.Latitude, &o.ClaimedPoint.Longitude, &o.ClaimedAt, &distance,
		&o.ToleranceMeters, &o.LocationValid, &o.QRValid, &o.ScanOrdinal, &flags, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.TargetKind = kind.String
	o.DocumentID = document.String
	if distance.Valid {
		d := distance.Float64
		o.DistanceMeters = &d
	}
	o.Flags = []string(flags)
	if o.Flags == nil {
		o.Flags = []string{}
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertions that the postgres stores implement their interfaces.
var (
	_ TargetStore  = (*PostgresTargetStore)(nil)
	_ OutcomeStore = (*PostgresOutcomeStore)(nil)
)
