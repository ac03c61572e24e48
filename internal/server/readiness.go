package server

import (
	"context"
	"sync"
)

// Subsystem names one independently reloadable part of the preview state.
type Subsystem string

const (
	Contents  Subsystem = "contents"
	Templates Subsystem = "templates"
	Views     Subsystem = "views"
	Locals    Subsystem = "locals"
)

// Subsystems lists every subsystem guarded by the gate.
var Subsystems = []Subsystem{Contents, Templates, Views, Locals}

// Gate tracks which subsystems are reloading. Waiters are woken through a
// channel that is closed, and replaced, every time a flag clears.
type Gate struct {
	mutex   sync.Mutex
	busy    map[Subsystem]bool
	cleared chan struct{}
}

// NewGate returns a gate with no reload in progress.
func NewGate() *Gate {
	return &Gate{
		busy:    make(map[Subsystem]bool, len(Subsystems)),
		cleared: make(chan struct{}),
	}
}

// TryBegin raises the flag for s. It reports false, and changes nothing, if
// s is already reloading.
func (g *Gate) TryBegin(s Subsystem) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.busy[s] {
		return false
	}
	g.busy[s] = true
	return true
}

// End clears the flag for s and wakes every waiter.
func (g *Gate) End(s Subsystem) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if !g.busy[s] {
		return
	}
	g.busy[s] = false
	close(g.cleared)
	g.cleared = make(chan struct{})
}

// Busy reports whether s is reloading.
func (g *Gate) Busy(s Subsystem) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.busy[s]
}

// Ready reports whether no subsystem is reloading.
func (g *Gate) Ready() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.readyLocked()
}

func (g *Gate) readyLocked() bool {
	for _, busy := range g.busy {
		if busy {
			return false
		}
	}
	return true
}

// Wait blocks until no subsystem is reloading or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mutex.Lock()
		if g.readyLocked() {
			g.mutex.Unlock()
			return nil
		}
		cleared := g.cleared
		g.mutex.Unlock()

		select {
		case <-cleared:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
