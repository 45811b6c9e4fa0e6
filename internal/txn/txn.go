// Package txn provides the settlement unit: a scope in which several store
// writes (ledger rows, fee records, audit entries, trade status) commit or
// abort together.
//
// Two runners exist. SQLRunner opens a SERIALIZABLE transaction and carries
// it in the context; Postgres stores obtain it through DB(ctx, db).
// MemoryRunner serializes units and undoes in-memory writes through
// compensations that stores register with OnRollback.
//
// Calling Run with a context that already carries a unit joins that unit.
package txn

import (
	"context"
	"database/sql"
	"sync"
)

// Runner executes fn as one all-or-nothing unit.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is the subset of *sql.DB and *sql.Tx used by Postgres stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

type unit struct {
	tx    *sql.Tx
	mu    sync.Mutex
	undo  []func()
	after []func()
}

func fromContext(ctx context.Context) *unit {
	u, _ := ctx.Value(ctxKey{}).(*unit)
	return u
}

func withUnit(ctx context.Context, u *unit) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// Active reports whether ctx carries a settlement unit.
func Active(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// Detach returns a context that keeps ctx's values and deadline but no
// longer carries the unit. Writes made with it commit on their own.
// Do not pass it to MemoryRunner.Run while the outer unit is open.
func Detach(ctx context.Context) context.Context {
	if !Active(ctx) {
		return ctx
	}
	return withUnit(ctx, nil)
}

// DB returns the unit's transaction when one is active, otherwise db.
func DB(ctx context.Context, db *sql.DB) Querier {
	if u := fromContext(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// OnRollback registers a compensation to run if the unit aborts.
// Compensations run in reverse registration order. Outside a unit this is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	u := fromContext(ctx)
	if u == nil {
		return
	}
	u.mu.Lock()
	u.undo = append(u.undo, fn)
	u.mu.Unlock()
}

// AfterCommit defers fn until the unit commits. Outside a unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	u := fromContext(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.after = append(u.after, fn)
	u.mu.Unlock()
}

func (u *unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo, u.after = nil, nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (u *unit) commit() {
	u.mu.Lock()
	after := u.after
	u.undo, u.after = nil, nil
	u.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

// MemoryRunner runs units one at a time against in-memory stores.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a runner for in-memory stores.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// Run executes fn. On error or panic every registered compensation runs.
func (r *MemoryRunner) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if Active(ctx) {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := &unit{}
	defer func() {
		if p := recover(); p != nil {
			u.rollback()
			panic(p)
		}
	}()

	if err = fn(withUnit(ctx, u)); err != nil {
		u.rollback()
		return err
	}
	u.commit()
	return nil
}
