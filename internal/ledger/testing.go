package ledger

import "context"

// Seed is a test helper that inserts a row and optionally sets its status and
// PIN hash in one go.
func Seed(l Ledger, email, name string, status Status, pinHash []byte) Identity {
	ctx := context.Background()
	change, err := l.Create(ctx, email, name)
	if err != nil {
		panic(err)
	}
	row := *change.New
	m := Mutation{}
	if status != "" && status != StatusActive {
		m.Status = &status
	}
	if pinHash != nil {
		m.PINHash = pinHash
	}
	if m.empty() {
		return row
	}
	change, err = l.Update(ctx, email, m)
	if err != nil {
		panic(err)
	}
	return *change.New
}
