// Package notify holds lists of callbacks that several independent listeners
// can attach to.
package notify

import "sync"

// List is a concurrency-safe, append-only list of callbacks of type F.
type List[F any] struct {
	mu  sync.RWMutex
	fns []F
}

// Add registers fn. Callbacks are invoked in the order they were added.
func (l *List[F]) Add(fn F) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

// Each calls invoke once per registered callback. The list may be appended to
// from within invoke; such callbacks are picked up on the next call.
func (l *List[F]) Each(invoke func(F)) {
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()

	for _, fn := range fns {
		invoke(fn)
	}
}

// Len returns the number of registered callbacks.
func (l *List[F]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}
