package session

import (
	"sync"

	"e2ee/internal/domain"
)

// locks hands out one mutex per session id and forgets it once unused.
type locks struct {
	mu sync.Mutex
	m  map[domain.SessionID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *locks) lock(id domain.SessionID) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[domain.SessionID]*lockEntry)
	}
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
