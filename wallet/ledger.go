package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/wallet/storage"
)

// casRetries bounds how often a mutation re-reads and retries
// after losing a version race against another process.
const casRetries = 5

// Ledger owns the wallet's unspent proof set. Every mutation is a
// full-set replace: read the stored set, apply the change in memory,
// write the whole set back under the version read. In-process callers
// are serialized by the mutex; writers in other processes are caught
// by the storage version check and retried.
type Ledger struct {
	mu sync.Mutex
	db storage.DB
}

func newLedger(db storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the sum of all held proof amounts.
func (l *Ledger) Balance() (uint64, error) {
	record, err := l.db.GetLedger()
	if err != nil {
		return 0, fmt.Errorf("reading ledger: %v", err)
	}
	return record.Proofs.Amount(), nil
}

// Proofs returns a copy of the currently held proof set.
func (l *Ledger) Proofs() (cashu.Proofs, error) {
	record, err := l.db.GetLedger()
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %v", err)
	}
	proofs := make(cashu.Proofs, len(record.Proofs))
	copy(proofs, record.Proofs)
	return proofs, nil
}

// AddProofs appends proofs to the stored set.
func (l *Ledger) AddProofs(newProofs cashu.Proofs) error {
	if len(newProofs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := l.db.GetLedger()
		if err != nil {
			return fmt.Errorf("reading ledger: %v", err)
		}

		updated := append(record.Proofs, newProofs...)
		err = l.db.PutLedger(updated, record.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("writing ledger: %v", err)
		}
	}
	return ErrLedgerInconsistency
}

// ConsumeAndReplace removes toRemove from the stored set and inserts
// toAdd in one logical step. It fails with ErrLedgerInconsistency if
// toRemove is not a subset of the stored proofs, which legitimately
// happens when a concurrent writer already spent them.
func (l *Ledger) ConsumeAndReplace(toRemove, toAdd cashu.Proofs) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := l.db.GetLedger()
		if err != nil {
			return fmt.Errorf("reading ledger: %v", err)
		}

		held := make(map[string]bool, len(record.Proofs))
		for _, proof := range record.Proofs {
			held[proof.Secret] = true
		}
		for _, proof := range toRemove {
			if !held[proof.Secret] {
				return ErrLedgerInconsistency
			}
		}

		removing := make(map[string]bool, len(toRemove))
		for _, proof := range toRemove {
			removing[proof.Secret] = true
		}

		updated := make(cashu.Proofs, 0, len(record.Proofs))
		for _, proof := range record.Proofs {
			if !removing[proof.Secret] {
				updated = append(updated, proof)
			}
		}
		updated = append(updated, toAdd...)

		err = l.db.PutLedger(updated, record.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("writing ledger: %v", err)
		}
	}
	return ErrLedgerInconsistency
}
