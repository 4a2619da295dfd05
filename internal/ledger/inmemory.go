package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type inMemoryLedger struct {
	mu   sync.RWMutex
	rows map[string]Identity
	now  func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for tests and local runs.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		rows: make(map[string]Identity),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) FindByEmail(_ context.Context, email string) (Identity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.rows[NormalizeEmail(email)]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return row.clone(), nil
}

func (l *inMemoryLedger) List(_ context.Context) ([]Identity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Identity, 0, len(l.rows))
	for _, row := range l.rows {
		out = append(out, row.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *inMemoryLedger) Create(_ context.Context, email, name string) (Change, error) {
	key := NormalizeEmail(email)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.rows[key]; exists {
		return Change{}, ErrExists
	}
	now := l.now()
	row := Identity{
		Email:     key,
		Name:      strings.TrimSpace(name),
		Status:    StatusActive,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.rows[key] = row
	created := row.clone()
	return Change{New: &created}, nil
}

func (l *inMemoryLedger) Update(_ context.Context, email string, m Mutation) (Change, error) {
	key := NormalizeEmail(email)
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[key]
	if !ok {
		return Change{}, ErrNotFound
	}
	next, err := m.apply(row, l.now())
	if err != nil {
		return Change{}, err
	}
	l.rows[key] = next
	old, updated := row.clone(), next.clone()
	return Change{Old: &old, New: &updated}, nil
}

func (l *inMemoryLedger) Delete(_ context.Context, email string) (Change, error) {
	key := NormalizeEmail(email)
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[key]
	if !ok {
		return Change{}, ErrNotFound
	}
	delete(l.rows, key)
	old := row.clone()
	return Change{Old: &old}, nil
}
