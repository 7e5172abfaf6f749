package engine

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

type engineKey struct{}

// WithEngine returns a context carrying e as the current engine.
func WithEngine(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, e)
}

// FromContext returns the engine that owns the task running with ctx.
func FromContext(ctx context.Context) (*Engine, bool) {
	e, ok := ctx.Value(engineKey{}).(*Engine)
	return e, ok && e != nil
}

// Pool runs the engine's background tasks: channel request handlers,
// handshake helpers and greedy stream drains. Every task receives a context
// that carries the owning engine. It implements channel.Executor.
type Pool struct {
	engine *Engine
	ctx    context.Context
	wg     sync.WaitGroup
}

func newPool(e *Engine) *Pool {
	return &Pool{
		engine: e,
		ctx:    WithEngine(context.Background(), e),
	}
}

// Go runs fn on a new task. A panic in fn is logged and does not take down
// the agent.
func (p *Pool) Go(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("agent", p.engine.cfg.Name).
					Bytes("stack", debug.Stack()).
					Msg("engine task panicked")
			}
		}()
		fn(p.ctx)
	}()
}

// Wait blocks until every task started so far has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
