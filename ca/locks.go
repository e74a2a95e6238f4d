package ca

import "sync"

type serialKey struct {
	tenantID int
	serial   string
}

// serialLocks serializes state transitions per (tenant, serial). The
// check-then-act sequences in signing and revocation must not interleave
// for the same serial, or a CSR could be double-signed and a revocation
// record could diverge from the certificate status.
type serialLocks struct {
	mu    sync.Mutex
	locks map[serialKey]*sync.Mutex
}

func newSerialLocks() *serialLocks {
	return &serialLocks{locks: make(map[serialKey]*sync.Mutex)}
}

// lock acquires the mutex for (tenantID, serial) and returns its unlock
// function. Entries are retained for the process lifetime; the key space is
// bounded by the number of serials a deployment actually touches.
func (l *serialLocks) lock(tenantID int, serial string) func() {
	key := serialKey{tenantID: tenantID, serial: serial}
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
