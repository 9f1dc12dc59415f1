// Package ledger remembers when each task was last reminded so a reminder
// is not re-published within the dedupe window.
package ledger

import (
	"context"
	"time"
)

// Claim is the outcome of Ledger.Claim.
type Claim struct {
	// Claimed is true when the caller may publish; the ledger already holds
	// the new stamp.
	Claimed bool
	// Last is the previous reminder time when Claimed is false.
	Last time.Time
}

// Ledger is the dedupe record store. Implementations are safe for
// concurrent use.
type Ledger interface {
	// Claim stamps taskID with now unless it was reminded less than one
	// window ago.
	Claim(ctx context.Context, taskID int, now time.Time) (Claim, error)
	// Sweep removes records at least one window old and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Size(ctx context.Context) (int, error)
}
