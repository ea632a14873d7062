package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/apperr"
)

type fakeLedger struct {
	balance int64
	charged map[string]bool
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, charged: make(map[string]bool)}
}

func (f *fakeLedger) Balance(ctx context.Context, userID string) (int64, error) {
	return f.balance, nil
}

func (f *fakeLedger) Deduct(ctx context.Context, userID, taskID string, amount int64) error {
	if f.charged[taskID] {
		return nil
	}
	f.charged[taskID] = true
	f.balance -= amount
	return nil
}

func TestCheck_RejectsWhenBalanceExhausted(t *testing.T) {
	ledger := newFakeLedger(0)
	gate := New(ledger)

	err := gate.Check(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
}

func TestDeduct_ChargesExactlyOncePerTask(t *testing.T) {
	ledger := newFakeLedger(3)
	gate := New(ledger)

	require.NoError(t, gate.Deduct(context.Background(), "u1", "t1"))
	require.NoError(t, gate.Deduct(context.Background(), "u1", "t1"))

	balance, err := gate.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestCheck_PassesWithSufficientBalance(t *testing.T) {
	gate := New(newFakeLedger(5))
	assert.NoError(t, gate.Check(context.Background(), "u1"))
}
