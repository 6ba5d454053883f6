package merkledrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"merkledrop/core/events"
)

type txKey struct{}

// stateTx brackets one registry or ledger operation. The outermost
// transaction holds the registry lock; transactions opened from inside a
// dispatcher callback (same context) nest under it instead of re-locking.
// Events are buffered and only reach the emitter once the outermost
// transaction commits.
type stateTx struct {
	reg      *Registry
	parent   *stateTx
	snapshot int
	pending  []events.Event
	unlock   func()
}

func (r *Registry) begin(ctx context.Context) (context.Context, *stateTx, error) {
	tx := &stateTx{reg: r}
	if parent := r.txFrom(ctx); parent != nil {
		tx.parent = parent
	} else {
		if err := r.acquire(ctx); err != nil {
			return ctx, nil, err
		}
		tx.unlock = r.release
	}
	tx.snapshot = r.st.Snapshot()
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// read takes the registry lock for a query unless ctx already runs inside a
// transaction of this registry.
func (r *Registry) read(ctx context.Context) (func(), error) {
	if r.txFrom(ctx) != nil {
		return func() {}, nil
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	return r.release, nil
}

func (r *Registry) txFrom(ctx context.Context) *stateTx {
	if ctx == nil {
		return nil
	}
	if tx, ok := ctx.Value(txKey{}).(*stateTx); ok && tx.reg == r {
		return tx
	}
	return nil
}

// acquire waits for the registry lock. While the holder is inside a
// dispatcher call the wait is bounded by DispatchWait: a receiver that calls
// back without the context it was handed would otherwise wait on its own
// caller forever.
func (r *Registry) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}
	if r.dispatching.Load() == 0 {
		select {
		case r.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(r.limits.DispatchWait)
	defer timer.Stop()
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: lock held by a dispatch for %s", ErrLedgerBusy, r.limits.DispatchWait)
	}
}

func (r *Registry) release() {
	<-r.sem
}

// dispatchCall marks fn as running a dispatcher operation for acquire.
func (r *Registry) dispatchCall(fn func() error) error {
	r.dispatching.Add(1)
	defer r.dispatching.Add(-1)
	return fn()
}

func (tx *stateTx) outermost() bool {
	return tx.parent == nil
}

func (tx *stateTx) emit(e events.Event) {
	tx.pending = append(tx.pending, e)
}

func (tx *stateTx) commit() {
	tx.reg.st.DiscardSnapshot(tx.snapshot)
	if tx.parent != nil {
		tx.parent.pending = append(tx.parent.pending, tx.pending...)
		return
	}
	for _, e := range tx.pending {
		tx.reg.emitter.Emit(e)
	}
	tx.unlock()
}

// abort reverts every state write made inside the transaction and returns
// cause, joined with the revert error if the snapshot could not be restored.
func (tx *stateTx) abort(cause error) error {
	revertErr := tx.reg.st.RevertToSnapshot(tx.snapshot)
	if tx.unlock != nil {
		tx.unlock()
	}
	if revertErr != nil {
		return errors.Join(cause, fmt.Errorf("merkledrop: revert state: %w", revertErr))
	}
	return cause
}
