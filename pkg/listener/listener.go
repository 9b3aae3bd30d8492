package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener runs handler for every value received on in, one at a time, on a
// single goroutine. Handler errors are logged and do not stop the listener.
type Listener[T any] struct {
	name        string
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
}

func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp := <-l.in:
				if err := l.handler(ctx, inp); err != nil {
					slog.Error("listener handler failed", "listener", l.name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop, waits for the running handler and then calls the
// stop handler. Only the first call has an effect.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
