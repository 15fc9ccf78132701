package reconciler

import "sync"

// DragGate records which boards have a drag gesture in progress. While a
// board is gated, reorder and move events for it are dropped, not queued.
type DragGate struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewDragGate() *DragGate {
	return &DragGate{active: make(map[string]bool)}
}

func (g *DragGate) Start(boardID string) {
	g.mu.Lock()
	g.active[boardID] = true
	g.mu.Unlock()
}

func (g *DragGate) End(boardID string) {
	g.mu.Lock()
	delete(g.active, boardID)
	g.mu.Unlock()
}

func (g *DragGate) Active(boardID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[boardID]
}
