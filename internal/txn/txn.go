// Package txn gives the router all-or-nothing units of work over in-memory
// state. Every stateful component journals an undo step for each mutation it
// makes. When the body succeeds the prepare hooks run (durable writes); if one
// of them fails the unit still rolls back. A failed unit replays the undo
// steps in reverse, a committed one runs its after-commit hooks (events and
// best-effort notifications).
package txn

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Tx is a unit of work carried in a context.
type Tx struct {
	mu          sync.Mutex
	undo        []func()
	prepare     []func(ctx context.Context) error
	afterCommit []func()
	values      map[any]any
	done        bool
}

// Begin starts a new unit of work.
func Begin(ctx context.Context) (context.Context, *Tx) {
	tx := &Tx{}
	return context.WithValue(ctx, ctxKey{}, tx), tx
}

// From returns the unit of work carried by ctx, if any.
func From(ctx context.Context) *Tx {
	tx, _ := ctx.Value(ctxKey{}).(*Tx)
	return tx
}

// OnRollback registers an inverse mutation. Outside a unit of work the change
// is final and the call is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if tx := From(ctx); tx != nil {
		tx.mu.Lock()
		tx.undo = append(tx.undo, undo)
		tx.mu.Unlock()
	}
}

// OnPrepare registers a hook that must succeed for the unit to commit. Hooks
// run in registration order once the body has returned nil; the first error
// rolls the unit back and is returned by Run. Outside a unit of work the hook
// runs immediately.
func OnPrepare(ctx context.Context, hook func(ctx context.Context) error) error {
	tx := From(ctx)
	if tx == nil {
		return hook(ctx)
	}
	tx.mu.Lock()
	tx.prepare = append(tx.prepare, hook)
	tx.mu.Unlock()
	return nil
}

// Value returns the value stored under key for this unit of work, creating it
// with create on first use. Outside a unit of work every call creates a fresh
// value.
func Value(ctx context.Context, key any, create func() any) any {
	tx := From(ctx)
	if tx == nil {
		return create()
	}
	tx.mu.Lock()
	if v, ok := tx.values[key]; ok {
		tx.mu.Unlock()
		return v
	}
	tx.mu.Unlock()

	// create may register hooks on tx, so it runs unlocked.
	v := create()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.values == nil {
		tx.values = make(map[any]any)
	}
	tx.values[key] = v
	return v
}

// AfterCommit defers hook until the unit of work commits. Outside a unit of
// work it runs immediately.
func AfterCommit(ctx context.Context, hook func()) {
	tx := From(ctx)
	if tx == nil {
		hook()
		return
	}
	tx.mu.Lock()
	tx.afterCommit = append(tx.afterCommit, hook)
	tx.mu.Unlock()
}

// Prepare runs the prepare hooks. A hook registered while preparing runs too.
func (t *Tx) Prepare(ctx context.Context) error {
	for i := 0; ; i++ {
		t.mu.Lock()
		if i >= len(t.prepare) {
			t.mu.Unlock()
			return nil
		}
		hook := t.prepare[i]
		t.mu.Unlock()

		if err := hook(ctx); err != nil {
			return err
		}
	}
}

// Commit discards the undo journal and runs after-commit hooks in order.
func (t *Tx) Commit() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	hooks := t.afterCommit
	t.undo, t.prepare, t.afterCommit, t.values = nil, nil, nil, nil
	t.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// Rollback replays the undo journal in reverse and drops after-commit hooks.
func (t *Tx) Rollback() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	undo := t.undo
	t.undo, t.prepare, t.afterCommit, t.values = nil, nil, nil, nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Run executes fn as one unit of work and prepares it. A unit already present
// in ctx is joined, so the outermost Run decides the outcome.
func Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if From(ctx) != nil {
		return fn(ctx)
	}

	ctx, tx := Begin(ctx)
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		tx.Commit()
	}()

	if err = fn(ctx); err != nil {
		return err
	}
	return tx.Prepare(ctx)
}
