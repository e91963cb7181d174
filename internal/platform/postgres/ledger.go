package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/store"
)

// PostgresCreditLedger implements store.CreditLedger. Balance changes and
// their ledger entries are written in the same transaction.
type PostgresCreditLedger struct {
	db     store.DBTX
	pool   *sql.DB // nil when bound to an outer transaction
	logger *slog.Logger
}

var _ store.CreditLedger = (*PostgresCreditLedger)(nil)

// NewPostgresCreditLedger creates a ledger that opens its own transactions.
func NewPostgresCreditLedger(db *sql.DB, logger *slog.Logger) *PostgresCreditLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCreditLedger{
		db:     db,
		pool:   db,
		logger: logger.With("component", "credit_ledger"),
	}
}

// WithTx returns a ledger that joins tx instead of opening transactions.
func (l *PostgresCreditLedger) WithTx(tx *sql.Tx) store.CreditLedger {
	return &PostgresCreditLedger{db: tx, logger: l.logger}
}

func (l *PostgresCreditLedger) atomically(ctx context.Context, fn func(q store.DBTX) error) error {
	if l.pool == nil {
		return fn(l.db)
	}
	return store.RunInTransaction(ctx, l.pool, func(ctx context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}

// Reserve debits amount from the user if the balance covers it.
func (l *PostgresCreditLedger) Reserve(ctx context.Context, userID, taskID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: reserve amount must be positive", store.ErrInvalidEntity)
	}

	var balance int
	err := l.atomically(ctx, func(q store.DBTX) error {
		now := time.Now().UTC()
		err := q.QueryRowContext(ctx, `
			UPDATE users
			SET credits = credits - $1, updated_at = $2
			WHERE id = $3 AND credits >= $1
			RETURNING credits
		`, amount, now, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			if _, balErr := balanceOf(ctx, q, userID); balErr != nil {
				return balErr
			}
			return domain.ErrInsufficientCredits
		}
		if err != nil {
			return MapError(err)
		}

		return insertEntry(ctx, q, domain.LedgerEntry{
			ID:           uuid.New(),
			UserID:       userID,
			TaskID:       &taskID,
			Amount:       amount,
			Direction:    domain.DirectionDebit,
			Kind:         domain.EntryKindReserve,
			BalanceAfter: &balance,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return 0, err
	}

	l.logger.DebugContext(ctx, "credits reserved",
		"user_id", userID,
		"task_id", taskID,
		"amount", amount,
		"balance_after", balance)
	return balance, nil
}

// Refund credits amount back for the task at most once. The unique refund
// index makes the insert the guard: a second refund inserts nothing and
// leaves the balance alone.
func (l *PostgresCreditLedger) Refund(ctx context.Context, userID, taskID uuid.UUID, amount int) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: refund amount must be positive", store.ErrInvalidEntity)
	}

	var (
		refunded bool
		balance  int
	)
	err := l.atomically(ctx, func(q store.DBTX) error {
		now := time.Now().UTC()
		entryID := uuid.New()

		result, err := q.ExecContext(ctx, `
			INSERT INTO credit_ledger (id, user_id, task_id, amount, direction, kind, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
			ON CONFLICT (task_id) WHERE kind = 'refund' DO NOTHING
		`, entryID, userID, taskID, amount,
			string(domain.DirectionCredit), string(domain.EntryKindRefund), now)
		if err != nil {
			return MapError(err)
		}
		n, err := rowsAffected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		err = q.QueryRowContext(ctx, `
			UPDATE users
			SET credits = credits + $1, updated_at = $2
			WHERE id = $3
			RETURNING credits
		`, amount, now, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrUserNotFound
		}
		if err != nil {
			return MapError(err)
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE credit_ledger SET balance_after = $1 WHERE id = $2`, balance, entryID); err != nil {
			return MapError(err)
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if refunded {
		l.logger.InfoContext(ctx, "credits refunded",
			"user_id", userID,
			"task_id", taskID,
			"amount", amount,
			"balance_after", balance)
	} else {
		l.logger.DebugContext(ctx, "refund already recorded, skipping",
			"user_id", userID,
			"task_id", taskID)
	}
	return refunded, nil
}

// Grant adds credits to a user, creating the user row on first grant.
func (l *PostgresCreditLedger) Grant(ctx context.Context, userID uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant amount must be positive", store.ErrInvalidEntity)
	}

	var balance int
	err := l.atomically(ctx, func(q store.DBTX) error {
		now := time.Now().UTC()
		err := q.QueryRowContext(ctx, `
			INSERT INTO users (id, credits, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO UPDATE
			SET credits = users.credits + excluded.credits, updated_at = excluded.updated_at
			RETURNING credits
		`, userID, amount, now).Scan(&balance)
		if err != nil {
			return MapError(err)
		}

		return insertEntry(ctx, q, domain.LedgerEntry{
			ID:           uuid.New(),
			UserID:       userID,
			Amount:       amount,
			Direction:    domain.DirectionCredit,
			Kind:         domain.EntryKindGrant,
			BalanceAfter: &balance,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns the user's current balance.
func (l *PostgresCreditLedger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return balanceOf(ctx, l.db, userID)
}

// Entries returns the ledger entries of a task, oldest first.
func (l *PostgresCreditLedger) Entries(ctx context.Context, taskID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, task_id, amount, direction, kind, balance_after, created_at
		FROM credit_ledger
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e            domain.LedgerEntry
			task         uuid.NullUUID
			direction    string
			kind         string
			balanceAfter sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &task, &e.Amount, &direction, &kind, &balanceAfter, &e.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		if task.Valid {
			id := task.UUID
			e.TaskID = &id
		}
		if balanceAfter.Valid {
			b := int(balanceAfter.Int64)
			e.BalanceAfter = &b
		}
		e.Direction = domain.Direction(direction)
		e.Kind = domain.EntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return entries, nil
}

func balanceOf(ctx context.Context, q store.DBTX, userID uuid.UUID) (int, error) {
	var balance int
	err := q.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrUserNotFound
	}
	if err != nil {
		return 0, MapError(err)
	}
	return balance, nil
}

func insertEntry(ctx context.Context, q store.DBTX, e domain.LedgerEntry) error {
	var taskID any
	if e.TaskID != nil {
		taskID = *e.TaskID
	}
	var balanceAfter any
	if e.BalanceAfter != nil {
		balanceAfter = *e.BalanceAfter
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, task_id, amount, direction, kind, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.UserID, taskID, e.Amount, string(e.Direction), string(e.Kind), balanceAfter, e.CreatedAt.UTC())
	return MapError(err)
}
