package txbuilder

import (
	"strings"
	"sync"
	"time"
)

// SequenceManager hands out account sequence numbers for transactions that are
// accepted by the ledger but not yet applied, so that a second transaction from the
// same account does not reuse the sequence of the first.
type SequenceManager struct {
	// Per-account data structures
	accounts map[string]*accountSequence
	// Global lock for accessing accounts map
	mu sync.Mutex
	// How long an accepted transaction may stay unapplied before it is forgotten
	txTimeout time.Duration
	now       func() time.Time
}

// accountSequence holds sequence data for a specific account
type accountSequence struct {
	// Held from build until submission
	mu sync.Mutex
	// Sequences accepted by the ledger, by acceptance time
	pending map[int64]time.Time
}

// NewSequenceManager creates a new sequence manager
func NewSequenceManager(txTimeout time.Duration) *SequenceManager {
	return &SequenceManager{
		accounts:  make(map[string]*accountSequence),
		txTimeout: txTimeout,
		now:       time.Now,
	}
}

// Lease grants exclusive use of an account's sequence from build until submission
type Lease struct {
	manager *SequenceManager
	data    *accountSequence
	Address string
}

// Acquire blocks until the account is free and returns its lease
func (m *SequenceManager) Acquire(address string) *Lease {
	key := strings.ToLower(address)

	m.mu.Lock()
	data, exists := m.accounts[key]
	if !exists {
		data = &accountSequence{pending: make(map[int64]time.Time)}
		m.accounts[key] = data
	}
	m.mu.Unlock()

	data.mu.Lock()
	return &Lease{manager: m, data: data, Address: address}
}

// Next returns the sequence to use given the account's sequence on the ledger
func (l *Lease) Next(ledgerSeq int64) int64 {
	now := l.manager.now()
	next := ledgerSeq + 1
	for seq, acceptedAt := range l.data.pending {
		// applied, or expired without being applied
		if seq <= ledgerSeq || now.Sub(acceptedAt) > l.manager.txTimeout {
			delete(l.data.pending, seq)
			continue
		}
		if seq >= next {
			next = seq + 1
		}
	}
	return next
}

// Accepted records that the ledger accepted a transaction with seq
func (l *Lease) Accepted(seq int64) {
	l.data.pending[seq] = l.manager.now()
}

// Reset forgets every accepted sequence; the next build follows the ledger
func (l *Lease) Reset() {
	l.data.pending = make(map[int64]time.Time)
}

// Pending returns the number of accepted but unapplied sequences
func (l *Lease) Pending() int {
	return len(l.data.pending)
}

// Release returns the account to other callers
func (l *Lease) Release() {
	l.data.mu.Unlock()
}
