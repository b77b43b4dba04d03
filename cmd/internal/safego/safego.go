// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Go runs fn in a new goroutine. A panic in fn is recovered and logged
// instead of taking the process down.
func Go(log *slog.Logger, name string, fn func()) {
	go run(log, name, fn)
}

// Group tracks background goroutines so shutdown can wait for them.
type Group struct {
	log *slog.Logger
	wg  sync.WaitGroup
}

// NewGroup returns a Group logging recovered panics to log.
func NewGroup(log *slog.Logger) *Group {
	return &Group{log: log}
}

// Go runs fn like the package-level Go and counts it in Wait.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(g.log, name, fn)
	}()
}

// Wait blocks until every goroutine started with g.Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

func run(log *slog.Logger, name string, fn func()) {
	if log == nil {
		log = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("safego.panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
