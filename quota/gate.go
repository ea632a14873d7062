// Package quota implements the Quota Gate: a per-user credit check that runs
// before a review task is allowed to start or resume, and a single deduction
// after that task completes successfully. Balance is never consulted after
// the initial check and never reversed once a task has been charged.
package quota

import (
	"context"

	"github.com/legalflow/clausereview/apperr"
)

// Ledger is the durable source of truth for a user's quota balance and
// charge history. Implementations must make Deduct idempotent per taskID so
// a retried deduction after a crash never double-charges.
type Ledger interface {
	// Balance returns the user's current remaining credit balance.
	Balance(ctx context.Context, userID string) (int64, error)

	// Deduct charges amount credits against userID for taskID. If taskID has
	// already been charged, Deduct returns nil without charging again.
	Deduct(ctx context.Context, userID, taskID string, amount int64) error
}

// Gate enforces check-before-start, deduct-after-success-only.
type Gate struct {
	ledger   Ledger
	cost     int64
	fastPath FastPathCounter
}

// FastPathCounter is an optional low-latency balance cache consulted before
// falling back to the Ledger, so a user hammering /review/start doesn't put
// load on the durable store for every check.
type FastPathCounter interface {
	// Get returns the cached balance and whether the cache entry exists.
	Get(ctx context.Context, userID string) (int64, bool, error)
	// Set refreshes the cached balance.
	Set(ctx context.Context, userID string, balance int64) error
	// Invalidate drops the cached balance, forcing the next Get to miss.
	Invalidate(ctx context.Context, userID string) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithCostPerTask overrides the default 1-credit-per-task cost.
func WithCostPerTask(n int64) Option {
	return func(g *Gate) { g.cost = n }
}

// WithFastPath wires a FastPathCounter in front of the Ledger.
func WithFastPath(fp FastPathCounter) Option {
	return func(g *Gate) { g.fastPath = fp }
}

// New builds a Gate over ledger, defaulting to a 1-credit cost per task.
func New(ledger Ledger, opts ...Option) *Gate {
	g := &Gate{ledger: ledger, cost: 1}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reports whether userID has enough balance to start or resume a
// task, returning apperr.KindQuotaExceeded if not. It never mutates state —
// callers must call Deduct themselves only after the task actually
// completes successfully.
func (g *Gate) Check(ctx context.Context, userID string) error {
	balance, err := g.balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < g.cost {
		return apperr.New(apperr.KindQuotaExceeded, "insufficient quota balance")
	}
	return nil
}

// Deduct charges the configured cost against userID for taskID, exactly
// once per taskID. Callers must invoke this only after a task's review
// graph has reached IsComplete — a failed or abandoned task is never
// charged, and Deduct itself never reverses a prior successful charge.
func (g *Gate) Deduct(ctx context.Context, userID, taskID string) error {
	if err := g.ledger.Deduct(ctx, userID, taskID, g.cost); err != nil {
		return err
	}
	if g.fastPath != nil {
		_ = g.fastPath.Invalidate(ctx, userID)
	}
	return nil
}

// Balance returns userID's current balance, per GET /review/quota.
func (g *Gate) Balance(ctx context.Context, userID string) (int64, error) {
	return g.balance(ctx, userID)
}

func (g *Gate) balance(ctx context.Context, userID string) (int64, error) {
	if g.fastPath != nil {
		if cached, ok, err := g.fastPath.Get(ctx, userID); err == nil && ok {
			return cached, nil
		}
	}
	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if g.fastPath != nil {
		_ = g.fastPath.Set(ctx, userID, balance)
	}
	return balance, nil
}
