package risk

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/fieldguard/internal/pagination"
)

// PostgresStore persists actors and the signal log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signalColumns = `id, actor_id, entity_kind, entity_id, signal_type, magnitude, weight,
		       source_kind, source_id, produced_at`

const actorColumns = `id, role, risk_score, last_score_update, last_negative_signal_at, last_decay_at, created_at`

func (p *PostgresStore) Commit(ctx context.Context, sig *Signal, bump *ScoreBump) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_kind, source_id, signal_type) DO NOTHING`,
		sig.ID, nullString(sig.ActorID), string(sig.EntityKind), sig.EntityID, string(sig.Type),
		sig.Magnitude, sig.Weight, string(sig.SourceKind), sig.SourceID, sig.ProducedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateSignal
	}

	if bump != nil {
		if err := bumpScore(ctx, tx, bump); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// bumpScore locks the actor row, so replicas recording signals for the same
// actor apply their increments one after another.
func bumpScore(ctx context.Context, tx *sql.Tx, b *ScoreBump) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO actors (id, risk_score, last_score_update, created_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING`, b.ActorID, b.At); err != nil {
		return err
	}
	var current float64
	if err := tx.QueryRowContext(ctx,
		`SELECT risk_score FROM actors WHERE id = $1 FOR UPDATE`, b.ActorID).Scan(&current); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE actors SET
			risk_score              = $2,
			last_score_update       = $3,
			last_negative_signal_at = $3
		WHERE id = $1`, b.ActorID, b.apply(current), b.At)
	return err
}

func (p *PostgresStore) GetActor(ctx context.Context, id string) (*Actor, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActorNotFound
	}
	return a, err
}

func (p *PostgresStore) SaveActor(ctx context.Context, a *Actor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO actors (`+actorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role`,
		a.ID, nullString(a.Role), a.RiskScore, a.LastScoreUpdate,
		nullTime(a.LastNegativeSignalAt), nullTime(a.LastDecayAt), a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) SaveDecayed(ctx context.Context, a *Actor, expected float64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE actors SET
			risk_score        = $2,
			last_score_update = $3,
			last_decay_at     = $4
		WHERE id = $1
		  AND risk_score = $5
		  AND last_negative_signal_at IS NOT DISTINCT FROM $6`,
		a.ID, a.RiskScore, a.LastScoreUpdate, nullTime(a.LastDecayAt),
		expected, nullTime(a.LastNegativeSignalAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListActorSignals(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Signal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+signalColumns+`
			FROM risk_signals
			WHERE actor_id = $1
			ORDER BY produced_at DESC, id DESC
			LIMIT $2`, actorID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+signalColumns+`
			FROM risk_signals
			WHERE actor_id = $1 AND (produced_at, id) < ($2, $3)
			ORDER BY produced_at DESC, id DESC
			LIMIT $4`, actorID, after.At, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSignals(rows)
}

func (p *PostgresStore) ListEntitySignals(ctx context.Context, kind EntityKind, entityID string) ([]*Signal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM risk_signals
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY produced_at DESC, id DESC
		LIMIT $3`, string(kind), entityID, maxScoredSignals)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSignals(rows)
}

func (p *PostgresStore) ListDecayCandidates(ctx context.Context, quietSince time.Time, floor float64, limit int) ([]*Actor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actorColumns+`
		FROM actors
		WHERE risk_score > $1
		  AND GREATEST(created_at,
		               COALESCE(last_negative_signal_at, created_at),
		               COALESCE(last_decay_at, created_at)) < $2
		ORDER BY id
		LIMIT $3`, floor, quietSince, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActor(row scanner) (*Actor, error) {
	var (
		a        Actor
		role     sql.NullString
		negative sql.NullTime
		decayed  sql.NullTime
	)
	if err := row.Scan(&a.ID, &role, &a.RiskScore, &a.LastScoreUpdate, &negative, &decayed, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Role = role.String
	if negative.Valid {
		a.LastNegativeSignalAt = &negative.Time
	}
	if decayed.Valid {
		a.LastDecayAt = &decayed.Time
	}
	return &a, nil
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	var out []*Signal
	for rows.Next() {
		var (
			s          Signal
			actorID    sql.NullString
			kind       string
			typ        string
			sourceKind string
		)
		if err := rows.Scan(&s.ID, &actorID, &kind, &s.EntityID, &typ, &s.Magnitude, &s.Weight,
			&sourceKind, &s.SourceID, &s.ProducedAt); err != nil {
			return nil, err
		}
		s.ActorID = actorID.String
		s.EntityKind = EntityKind(kind)
		s.Type = SignalType(typ)
		s.SourceKind = SourceKind(sourceKind)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
