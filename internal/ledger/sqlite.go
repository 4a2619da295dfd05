package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger keeps the allowlist in a local SQLite file. Writes are
// serialized through a single connection.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens dbPath, runs migrations and returns the ledger.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := MigrateSQLite(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *SQLiteLedger) FindByEmail(ctx context.Context, email string) (Identity, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM authorized_identities WHERE email = ?`, NormalizeEmail(email))
	return scanSQLiteIdentity(row)
}

func (l *SQLiteLedger) List(ctx context.Context) ([]Identity, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM authorized_identities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		id, err := scanSQLiteIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Create(ctx context.Context, email, name string) (Change, error) {
	now := time.Now().UTC()
	row := Identity{
		Email:     NormalizeEmail(email),
		Name:      strings.TrimSpace(name),
		Status:    StatusActive,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := l.db.ExecContext(ctx, `INSERT INTO authorized_identities (email, name, status, revision, created_at, updated_at)
        VALUES (?, ?, ?, 1, ?, ?) ON CONFLICT (email) DO NOTHING`,
		row.Email, row.Name, string(row.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Change{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Change{}, ErrExists
	}
	row.CreatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	row.UpdatedAt = row.CreatedAt
	return Change{New: &row}, nil
}

func (l *SQLiteLedger) Update(ctx context.Context, email string, m Mutation) (Change, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, err
	}
	defer tx.Rollback() // nolint:errcheck

	current, err := scanSQLiteIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM authorized_identities WHERE email = ?`, NormalizeEmail(email)))
	if err != nil {
		return Change{}, err
	}

	next, err := m.apply(current, time.UnixMilli(time.Now().UnixMilli()).UTC())
	if err != nil {
		return Change{}, err
	}

	res, err := tx.ExecContext(ctx, `UPDATE authorized_identities
        SET name = ?, status = ?, pin_hash = ?, revision = ?, updated_at = ?
        WHERE email = ? AND revision = ?`,
		next.Name, string(next.Status), next.PINHash, next.Revision, next.UpdatedAt.UnixMilli(), current.Email, current.Revision)
	if err != nil {
		return Change{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Change{}, fmt.Errorf("update %s: %w", current.Email, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return Change{}, err
	}
	return Change{Old: &current, New: &next}, nil
}

func (l *SQLiteLedger) Delete(ctx context.Context, email string) (Change, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, err
	}
	defer tx.Rollback() // nolint:errcheck

	old, err := scanSQLiteIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM authorized_identities WHERE email = ?`, NormalizeEmail(email)))
	if err != nil {
		return Change{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM authorized_identities WHERE email = ?`, old.Email); err != nil {
		return Change{}, err
	}
	if err := tx.Commit(); err != nil {
		return Change{}, err
	}
	return Change{Old: &old}, nil
}

func scanSQLiteIdentity(row rowScanner) (Identity, error) {
	var (
		id               Identity
		status           string
		created, updated int64
	)
	if err := row.Scan(&id.Email, &id.Name, &status, &id.PINHash, &id.Revision, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, err
	}
	if len(id.PINHash) == 0 {
		id.PINHash = nil
	}
	id.Status = Status(status)
	id.CreatedAt = time.UnixMilli(created).UTC()
	id.UpdatedAt = time.UnixMilli(updated).UTC()
	return id, nil
}
