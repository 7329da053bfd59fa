package questions

import "sync"

// entityLocks enforces at most one in-flight bounty-mutating operation per
// question. Acquisition never blocks: losers are told to back off so a held
// confirmation wait on one question cannot stall requests for others.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]struct{})}
}

// tryAcquire takes the guard for id, reporting false when it is already
// held.
func (l *entityLocks) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[id]; taken {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// release frees the guard. Releasing an unheld guard is a no-op.
func (l *entityLocks) release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
