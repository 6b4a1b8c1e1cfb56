// Package ticker runs a function on a fixed interval until stopped.
package ticker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Func func(ctx context.Context) error

type Loop struct {
	name     string
	interval time.Duration
	fn       Func

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, fn Func) *Loop {
	return &Loop{name: name, interval: interval, fn: fn}
}

// Start launches the loop in a goroutine. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(l.interval)
	defer t.Stop()

	slog.Info("loop started", "loop", l.name, "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("loop stopped", "loop", l.name)
			return
		case <-t.C:
			if err := l.fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("loop tick failed", "loop", l.name, "error", err)
			}
		}
	}
}
