package qrledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists documents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed document store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const documentColumns = `id, issued_hash, scan_count, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Document) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO qr_documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.IssuedHash, d.ScanCount, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDocumentExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM qr_documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return d, err
}

func (p *PostgresStore) RecordScan(ctx context.Context, id string, at time.Time) (*Document, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE qr_documents SET
			scan_count = scan_count + 1,
			status     = CASE WHEN status = 'ACTIVE' THEN 'PROCESS_PAYMENT' ELSE status END,
			updated_at = $2
		WHERE id = $1 AND status IN ('ACTIVE', 'PROCESS_PAYMENT')
		RETURNING `+documentColumns, id, at)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrClosed(ctx, id)
	}
	return d, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, at time.Time) (*Document, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE qr_documents SET status = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+documentColumns, id, pq.Array(states), string(to), at)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, transitionError(current.Status)
	}
	return d, err
}

// missOrClosed explains why a conditional scan update matched nothing.
func (p *PostgresStore) missOrClosed(ctx context.Context, id string) error {
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrDocumentClosed
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		d      Document
		status string
	)
	if err := row.Scan(&d.ID, &d.IssuedHash, &d.ScanCount, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
