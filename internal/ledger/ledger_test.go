package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func backends(t *testing.T) map[string]Ledger {
	t.Helper()
	sq, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Ledger{
		"memory": NewInMemory(),
		"sqlite": sq,
	}
}

func TestLedger_CreateIsCaseInsensitive(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			change, err := l.Create(ctx, "  User@Example.com ", "User")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if change.Old != nil || change.New == nil {
				t.Fatalf("insert should only carry a new image")
			}
			if change.New.Email != "user@example.com" || change.New.Revision != 1 || change.New.Status != StatusActive {
				t.Fatalf("unexpected created row: %+v", change.New)
			}
			if _, err := l.Create(ctx, "USER@example.com", "Other"); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			row, err := l.FindByEmail(ctx, "USER@EXAMPLE.COM")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if row.Name != "User" || row.HasPIN() {
				t.Fatalf("unexpected row: %+v", row)
			}
		})
	}
}

func TestLedger_UpdateBumpsRevision(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Create(ctx, "a@x.com", "A"); err != nil {
				t.Fatalf("create: %v", err)
			}
			change, err := l.Update(ctx, "a@x.com", Mutation{PINHash: []byte("hash-1")})
			if err != nil {
				t.Fatalf("set pin: %v", err)
			}
			if change.Old.Revision != 1 || change.New.Revision != 2 {
				t.Fatalf("expected revision 1 -> 2, got %d -> %d", change.Old.Revision, change.New.Revision)
			}
			if change.Old.HasPIN() || !change.New.HasPIN() {
				t.Fatalf("pin images wrong: old=%v new=%v", change.Old.HasPIN(), change.New.HasPIN())
			}

			suspended := StatusSuspended
			change, err = l.Update(ctx, "a@x.com", Mutation{Status: &suspended})
			if err != nil {
				t.Fatalf("suspend: %v", err)
			}
			if change.New.Revision != 3 || change.New.Status != StatusSuspended {
				t.Fatalf("unexpected row after suspend: %+v", change.New)
			}
			if string(change.New.PINHash) != "hash-1" {
				t.Fatalf("status change must keep the pin")
			}

			change, err = l.Update(ctx, "a@x.com", Mutation{ClearPIN: true})
			if err != nil {
				t.Fatalf("clear pin: %v", err)
			}
			if change.New.HasPIN() || change.New.Revision != 4 {
				t.Fatalf("unexpected row after reset: %+v", change.New)
			}
		})
	}
}

func TestLedger_UpdateErrors(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Update(ctx, "missing@x.com", Mutation{ClearPIN: true}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := l.Create(ctx, "b@x.com", "B"); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := l.Update(ctx, "b@x.com", Mutation{}); !errors.Is(err, ErrEmptyMutation) {
				t.Fatalf("expected ErrEmptyMutation, got %v", err)
			}
			bogus := Status("banned")
			if _, err := l.Update(ctx, "b@x.com", Mutation{Status: &bogus}); !errors.Is(err, ErrInvalidStatus) {
				t.Fatalf("expected ErrInvalidStatus, got %v", err)
			}
			row, _ := l.FindByEmail(ctx, "b@x.com")
			if row.Revision != 1 {
				t.Fatalf("rejected updates must not bump revision, got %d", row.Revision)
			}
		})
	}
}

func TestLedger_UpdateExpectedRevision(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := l.Create(ctx, "d@x.com", "D"); err != nil {
				t.Fatalf("create: %v", err)
			}
			suspended := StatusSuspended
			if _, err := l.Update(ctx, "d@x.com", Mutation{Status: &suspended}); err != nil {
				t.Fatalf("suspend: %v", err)
			}

			_, err := l.Update(ctx, "d@x.com", Mutation{PINHash: []byte("hash"), ExpectedRevision: 1})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			row, _ := l.FindByEmail(ctx, "d@x.com")
			if row.Revision != 2 || row.HasPIN() {
				t.Fatalf("conflicting write must not apply, got %+v", row)
			}

			change, err := l.Update(ctx, "d@x.com", Mutation{PINHash: []byte("hash"), ExpectedRevision: 2})
			if err != nil {
				t.Fatalf("matching revision: %v", err)
			}
			if change.New.Revision != 3 || !change.New.HasPIN() {
				t.Fatalf("unexpected change: %+v", change.New)
			}
		})
	}
}

func TestLedger_Delete(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.Create(ctx, "c@x.com", "C")
			change, err := l.Delete(ctx, "C@x.com")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if change.New != nil || change.Old == nil || change.Email() != "c@x.com" {
				t.Fatalf("unexpected delete change: %+v", change)
			}
			if _, err := l.FindByEmail(ctx, "c@x.com"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestInMemoryLedger_ConcurrentUpdates(t *testing.T) {
	l := NewInMemory()
	ctx := context.Background()
	l.Create(ctx, "d@x.com", "D")

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("D%d", i)
			if _, err := l.Update(ctx, "d@x.com", Mutation{Name: &name}); err != nil {
				t.Errorf("update %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	row, _ := l.FindByEmail(ctx, "d@x.com")
	if row.Revision != 1+workers {
		t.Fatalf("expected revision %d, got %d", 1+workers, row.Revision)
	}
}

func TestPgx5URL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db": "pgx5://u:p@h:5432/db",
		"postgresql://u:p@h/db":    "pgx5://u:p@h/db",
		"pgx5://already/rewritten": "pgx5://already/rewritten",
	}
	for in, want := range cases {
		if got := pgx5URL(in); got != want {
			t.Fatalf("pgx5URL(%q) = %q, want %q", in, got, want)
		}
	}
}
