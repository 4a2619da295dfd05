package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const identityColumns = `email, name, status, pin_hash, revision, created_at, updated_at`

// PostgresLedger persists the allowlist in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// FindByEmail fetches a row by normalized email.
func (l *PostgresLedger) FindByEmail(ctx context.Context, email string) (Identity, error) {
	row := l.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM authorized_identities WHERE email = $1`, NormalizeEmail(email))
	return scanIdentity(row)
}

// List returns every row, newest first.
func (l *PostgresLedger) List(ctx context.Context) ([]Identity, error) {
	rows, err := l.db.Query(ctx, `SELECT `+identityColumns+` FROM authorized_identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Create inserts a new active row with revision 1.
func (l *PostgresLedger) Create(ctx context.Context, email, name string) (Change, error) {
	now := time.Now().UTC()
	row := l.db.QueryRow(ctx, `INSERT INTO authorized_identities (email, name, status, revision, created_at, updated_at)
        VALUES ($1, $2, $3, 1, $4, $4)
        ON CONFLICT (email) DO NOTHING
        RETURNING `+identityColumns, NormalizeEmail(email), name, string(StatusActive), now)
	created, err := scanIdentity(row)
	if errors.Is(err, ErrNotFound) {
		return Change{}, ErrExists
	}
	if err != nil {
		return Change{}, err
	}
	return Change{New: &created}, nil
}

// Update locks the row, applies the mutation and bumps the revision.
func (l *PostgresLedger) Update(ctx context.Context, email string, m Mutation) (Change, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Change{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanIdentity(tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM authorized_identities WHERE email = $1 FOR UPDATE`, NormalizeEmail(email)))
	if err != nil {
		return Change{}, err
	}

	next, err := m.apply(current, time.Now().UTC())
	if err != nil {
		return Change{}, err
	}

	cmd, err := tx.Exec(ctx, `UPDATE authorized_identities
        SET name = $1, status = $2, pin_hash = $3, revision = $4, updated_at = $5
        WHERE email = $6 AND revision = $7`,
		next.Name, string(next.Status), next.PINHash, next.Revision, next.UpdatedAt, current.Email, current.Revision)
	if err != nil {
		return Change{}, err
	}
	if cmd.RowsAffected() != 1 {
		return Change{}, fmt.Errorf("update %s: %w", current.Email, ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return Change{}, err
	}
	return Change{Old: &current, New: &next}, nil
}

// Delete removes the row and returns its last image.
func (l *PostgresLedger) Delete(ctx context.Context, email string) (Change, error) {
	row := l.db.QueryRow(ctx, `DELETE FROM authorized_identities WHERE email = $1 RETURNING `+identityColumns, NormalizeEmail(email))
	old, err := scanIdentity(row)
	if err != nil {
		return Change{}, err
	}
	return Change{Old: &old}, nil
}

func scanIdentity(row pgx.Row) (Identity, error) {
	var (
		id     Identity
		status string
	)
	if err := row.Scan(&id.Email, &id.Name, &status, &id.PINHash, &id.Revision, &id.CreatedAt, &id.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, err
	}
	id.Status = Status(status)
	id.CreatedAt = id.CreatedAt.UTC()
	id.UpdatedAt = id.UpdatedAt.UTC()
	return id, nil
}
