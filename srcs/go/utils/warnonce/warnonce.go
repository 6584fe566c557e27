// Package warnonce provides a one-shot latch that lets a recoverable
// condition be reported at most once per latch instance. Orchestrators
// own their latch and inject it where needed, so independent runs (and
// tests) do not share warning state.
package warnonce

import "sync"

type Latch struct {
	once sync.Once
	mu   sync.Mutex
	hit  bool
}

func New() *Latch {
	return &Latch{}
}

// Do runs f on the first call only. Later calls are silently dropped.
func (l *Latch) Do(f func()) {
	l.once.Do(func() {
		l.mu.Lock()
		l.hit = true
		l.mu.Unlock()
		f()
	})
}

// Fired reports whether the latch has been consumed.
func (l *Latch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hit
}
