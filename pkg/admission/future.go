package admission

import (
	"context"
	"sync"
)

// Future is the eventual outcome of a submitted request. It is completed
// exactly once, by the dispatcher or by the queue itself.
type Future[E any] struct {
	done chan struct{}
	once sync.Once
	val  E
	err  error
}

func newFuture[E any]() *Future[E] {
	return &Future[E]{done: make(chan struct{})}
}

func (f *Future[E]) resolve(v E) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		ok = true
		close(f.done)
	})
	return ok
}

func (f *Future[E]) reject(err error) bool {
	ok := false
	f.once.Do(func() {
		f.err = err
		ok = true
		close(f.done)
	})
	return ok
}

// Done is closed once the future completes.
func (f *Future[E]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Giving up on the
// wait does not withdraw the request; cancel the context passed to Submit
// for that.
func (f *Future[E]) Wait(ctx context.Context) (E, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero E
		return zero, ctx.Err()
	}
}
