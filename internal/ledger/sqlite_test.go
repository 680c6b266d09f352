package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func debitReq(session string, minute int, amount int64) DebitRequest {
	return DebitRequest{
		SessionID:      session,
		UserID:         "user-1",
		MinuteIndex:    minute,
		Amount:         amount,
		IdempotencyKey: IdempotencyKey(session, minute),
	}
}

// =============================================================================
// TEST: Idempotency keys
// =============================================================================

func TestIdempotencyKey_StablePerMinute(t *testing.T) {
	assert.Equal(t, IdempotencyKey("s1", 1), IdempotencyKey("s1", 1))
	assert.NotEqual(t, IdempotencyKey("s1", 1), IdempotencyKey("s1", 2))
	assert.NotEqual(t, IdempotencyKey("s1", 1), IdempotencyKey("s2", 1))
	assert.NotEqual(t, RefundKey("s1", "short_call"), RefundKey("s1", "preauth"))
	assert.Len(t, IdempotencyKey("s1", 1), 36)
}

func TestDebitRequest_Validate(t *testing.T) {
	valid := debitReq("s1", 1, 8)
	require.NoError(t, valid.Validate())

	cases := map[string]func(r *DebitRequest){
		"missing session": func(r *DebitRequest) { r.SessionID = "" },
		"missing user":    func(r *DebitRequest) { r.UserID = " " },
		"zero minute":     func(r *DebitRequest) { r.MinuteIndex = 0 },
		"zero amount":     func(r *DebitRequest) { r.Amount = 0 },
		"missing key":     func(r *DebitRequest) { r.IdempotencyKey = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalidRequest)
		})
	}
}

// =============================================================================
// TEST: SQLite ledger
// =============================================================================

func TestSQLiteLedger_DebitUntilInsufficient(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.SetBalance(ctx, "user-1", 20))

	out, err := l.Debit(ctx, debitReq("s1", 1, 8))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, int64(12), out.NewBalance)
	assert.Equal(t, int64(8), out.Charged)
	assert.False(t, out.Duplicate)

	out, err = l.Debit(ctx, debitReq("s1", 2, 8))
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.NewBalance)

	out, err = l.Debit(ctx, debitReq("s1", 3, 8))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientFunds, out.Kind)
	assert.Equal(t, int64(4), out.NewBalance)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal, "insufficient debit must not change the balance")
}

func TestSQLiteLedger_DuplicateKeyChargesOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.SetBalance(ctx, "user-1", 80))

	_, err := l.Debit(ctx, debitReq("s1", 1, 8))
	require.NoError(t, err)

	out, err := l.Debit(ctx, debitReq("s1", 1, 8))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.True(t, out.Duplicate)
	assert.Equal(t, int64(0), out.Charged)
	assert.Equal(t, int64(72), out.NewBalance)

	// Same (session, minute) under a different key is still a duplicate.
	req := debitReq("s1", 1, 8)
	req.IdempotencyKey = "other-key"
	out, err = l.Debit(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	debits, err := l.Debits(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, 1, debits[0].MinuteIndex)
	assert.Equal(t, int64(72), debits[0].BalanceAfter)
}

func TestSQLiteLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.SetBalance(ctx, "user-1", 40))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(minute int) {
			defer wg.Done()
			out, err := l.Debit(ctx, debitReq("s1", minute, 8))
			if err == nil && out.Kind == OutcomeSuccess {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestSQLiteLedger_UnknownAccount(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	_, err := l.Debit(ctx, debitReq("s1", 1, 8))
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = l.Balance(ctx, "nobody")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSQLiteLedger_RefundOncePerKey(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.SetBalance(ctx, "user-1", 12))

	req := RefundRequest{
		SessionID:      "s1",
		UserID:         "user-1",
		Amount:         8,
		Reason:         "preauth",
		IdempotencyKey: RefundKey("s1", "preauth"),
	}
	res, err := l.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Refunded)
	assert.Equal(t, int64(20), res.NewBalance)
	assert.False(t, res.Duplicate)

	res, err = l.Refund(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(20), res.NewBalance)

	bal, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
}

func TestSQLiteLedger_RefundTiedToDebit(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.SetBalance(ctx, "user-1", 16))

	reversal := func(session string) RefundRequest {
		return RefundRequest{
			SessionID:      session,
			UserID:         "user-1",
			Amount:         8,
			Reason:         "connection_failed",
			IdempotencyKey: RefundKey(session, "connection_failed"),
			DebitKey:       IdempotencyKey(session, 1),
		}
	}

	// No debit for s1 was ever applied: nothing is credited.
	res, err := l.Refund(ctx, reversal("s1"))
	require.NoError(t, err)
	assert.True(t, res.Unmatched)
	assert.Equal(t, int64(0), res.Refunded)
	assert.Equal(t, int64(16), res.NewBalance)

	out, err := l.Debit(ctx, debitReq("s2", 1, 8))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Kind)

	res, err = l.Refund(ctx, reversal("s2"))
	require.NoError(t, err)
	assert.False(t, res.Unmatched)
	assert.Equal(t, int64(8), res.Refunded)
	assert.Equal(t, int64(16), res.NewBalance)
}
