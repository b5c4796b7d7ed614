package workspace

import (
	"sync"
	"time"
)

// leaseTable hands out exclusive per-path leases. There is no queue: a path
// already leased rejects immediately, so two active runs can never share a
// persistent workspace.
type leaseTable struct {
	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	path       string
	runID      string
	acquiredAt time.Time
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[string]*lease)}
}

// tryAcquire takes the lease for path on behalf of runID, or returns ErrBusy.
func (t *leaseTable) tryAcquire(path, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, held := t.leases[path]; held {
		return ErrBusy
	}
	t.leases[path] = &lease{path: path, runID: runID, acquiredAt: time.Now()}
	return nil
}

// release frees the lease. Only the holding run may release it; stale calls
// from an already superseded run are ignored.
func (t *leaseTable) release(path, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, held := t.leases[path]; held && l.runID == runID {
		delete(t.leases, path)
	}
}

// holder returns the run currently leasing path, if any.
func (t *leaseTable) holder(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, held := t.leases[path]
	if !held {
		return "", false
	}
	return l.runID, true
}
