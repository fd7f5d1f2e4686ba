package txmgr

import "context"

// Future is the immediately returned placeholder for a tracked operation's
// result. Its value is readable once the operation settles.
type Future[T any] struct {
	op  *Operation
	val T
}

// Op implements Handle.
func (f *Future[T]) Op() *Operation { return f.op }

// ID returns the underlying operation id.
func (f *Future[T]) ID() string { return f.op.id }

// Done is closed when the operation settles.
func (f *Future[T]) Done() <-chan struct{} { return f.op.done }

// Await blocks until the operation settles or ctx ends. Cancelling ctx only
// stops the wait; the operation keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.op.done:
		if err := f.op.Err(); err != nil {
			var zero T
			return zero, err
		}
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// JoinFuture joins f into run and returns its value.
func JoinFuture[T any](ctx context.Context, run *Run, f *Future[T]) (T, error) {
	if err := run.Join(ctx, f); err != nil {
		var zero T
		return zero, err
	}
	return f.val, nil
}
