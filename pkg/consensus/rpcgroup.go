package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
)

type result[T any] struct {
	val T
	err error
}

// rpcGroup owns the outbound calls made by one state. Cancelling the group
// abandons every call still in flight.
type rpcGroup struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pool    *ants.Pool
	timeout time.Duration
	onDrop  func()
}

func (n *Node) newRPCGroup() *rpcGroup {
	ctx, cancel := context.WithCancel(n.ctx)
	return &rpcGroup{
		ctx:     ctx,
		cancel:  cancel,
		pool:    n.pool,
		timeout: n.cfg.RPCTimeout,
		onDrop:  n.rpcDropped,
	}
}

// call runs fn on the shared pool and delivers its outcome on a channel that
// never blocks the sender. When the pool is saturated the call fails at once.
func call[T any](g *rpcGroup, fn func(ctx context.Context) (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	err := g.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
		defer cancel()
		v, err := fn(ctx)
		ch <- result[T]{val: v, err: err}
	})
	if err != nil {
		g.onDrop()
		ch <- result[T]{err: fmt.Errorf("rpc not started: %w", err)}
	}
	return ch
}

func (g *rpcGroup) stop() {
	g.cancel()
}

// poll returns the result if it is ready.
func poll[T any](ch <-chan result[T]) (result[T], bool) {
	select {
	case r := <-ch:
		return r, true
	default:
		return result[T]{}, false
	}
}
