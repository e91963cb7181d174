package postgres_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/store"
	"github.com/phrazzld/genpipe/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreditLedger_GrantAndBalance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	_, err := ledger.Balance(ctx, userID)
	assert.ErrorIs(t, err, store.ErrUserNotFound)

	balance, err := ledger.Grant(ctx, userID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	balance, err = ledger.Grant(ctx, userID, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, balance)

	balance, err = ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 8, balance)
}

func TestCreditLedger_Reserve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	taskID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 3)
	require.NoError(t, err)

	balance, err := ledger.Reserve(ctx, userID, taskID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, balance)

	entries, err := ledger.Entries(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryKindReserve, entries[0].Kind)
	assert.Equal(t, domain.DirectionDebit, entries[0].Direction)
	assert.Equal(t, 2, entries[0].Amount)
	require.NotNil(t, entries[0].BalanceAfter)
	assert.Equal(t, 1, *entries[0].BalanceAfter)
}

func TestCreditLedger_ReserveInsufficient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 1)
	require.NoError(t, err)

	taskID := uuid.New()
	_, err = ledger.Reserve(ctx, userID, taskID, 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	balance, err := ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, balance, "a rejected reservation must not touch the balance")

	entries, err := ledger.Entries(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreditLedger_ReserveUnknownUser(t *testing.T) {
	t.Parallel()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	_, err := ledger.Reserve(context.Background(), uuid.New(), uuid.New(), 1)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
}

func TestCreditLedger_ReserveNeverNegative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 5)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, userID, uuid.New(), 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	balance, err := ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestCreditLedger_RefundIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	taskID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 4)
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, userID, taskID, 2)
	require.NoError(t, err)

	refunded, err := ledger.Refund(ctx, userID, taskID, 2)
	require.NoError(t, err)
	assert.True(t, refunded)

	refunded, err = ledger.Refund(ctx, userID, taskID, 2)
	require.NoError(t, err)
	assert.False(t, refunded)

	balance, err := ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 4, balance)

	entries, err := ledger.Entries(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryKindRefund, entries[1].Kind)
	assert.Equal(t, domain.DirectionCredit, entries[1].Direction)
	require.NotNil(t, entries[1].BalanceAfter)
	assert.Equal(t, 4, *entries[1].BalanceAfter)
}

func TestCreditLedger_ConcurrentRefunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	userID := uuid.New()
	taskID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 3)
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, userID, taskID, 3)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		refunds  int
		failures []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Refund(ctx, userID, taskID, 3)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
			}
			if ok {
				refunds++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, refunds)

	balance, err := ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
}

func TestCreditLedger_WithTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testdb.Open(t)
	ledger := postgres.NewPostgresCreditLedger(db, testLogger())

	userID := uuid.New()
	_, err := ledger.Grant(ctx, userID, 2)
	require.NoError(t, err)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		balance, err := ledger.WithTx(tx).Reserve(ctx, userID, uuid.New(), 2)
		require.NoError(t, err)
		assert.Equal(t, 0, balance)
	})

	balance, err := ledger.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, balance)
}

func TestCreditLedger_RejectsNonPositiveAmounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := postgres.NewPostgresCreditLedger(testdb.Open(t), testLogger())

	_, err := ledger.Reserve(ctx, uuid.New(), uuid.New(), 0)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	_, err = ledger.Refund(ctx, uuid.New(), uuid.New(), -1)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	_, err = ledger.Grant(ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}
