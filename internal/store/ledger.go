package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
)

// CreditLedger manages user balances and the append-only ledger.
type CreditLedger interface {
	// Reserve debits amount from the user in a single conditional update
	// and records a reserve entry for the task. It returns the new balance,
	// or domain.ErrInsufficientCredits when the balance is too low.
	Reserve(ctx context.Context, userID, taskID uuid.UUID, amount int) (int, error)

	// Refund credits amount back for the task unless a refund entry for the
	// task already exists. It reports whether the balance was changed.
	Refund(ctx context.Context, userID, taskID uuid.UUID, amount int) (bool, error)

	// Grant adds credits to a user, creating the user if needed.
	Grant(ctx context.Context, userID uuid.UUID, amount int) (int, error)

	// Balance returns the user's current balance.
	Balance(ctx context.Context, userID uuid.UUID) (int, error)

	// Entries returns the ledger entries recorded for a task, oldest first.
	Entries(ctx context.Context, taskID uuid.UUID) ([]domain.LedgerEntry, error)

	// WithTx returns a CreditLedger that runs on tx.
	WithTx(tx *sql.Tx) CreditLedger
}
