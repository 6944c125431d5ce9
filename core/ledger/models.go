package ledger

import "time"

type Kind string

const (
	KindDeduction   Kind = "deduction"
	KindRestoration Kind = "restoration"
)

func (k Kind) IsValid() bool {
	return k == KindDeduction || k == KindRestoration
}

// Entry is an immutable points adjustment tied to a flag.
type Entry struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	FlagID    string    `json:"flag_id"`
	Kind      Kind      `json:"kind"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type NewEntry struct {
	StudentID string
	FlagID    string
	Kind      Kind
	Amount    int
}

// Adjustment is the read-side aggregate consumed by the gamification wallet.
type Adjustment struct {
	StudentID  string `json:"student_id"`
	Adjustment int    `json:"adjustment"`
	Entries    int    `json:"entries"`
}
