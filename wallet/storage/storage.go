// Package storage defines the persistent key-value store
// the wallet keeps its state in.
package storage

import (
	"errors"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/crypto"
)

// ErrVersionConflict is returned by PutLedger when the stored
// ledger was modified since the version the caller read.
var ErrVersionConflict = errors.New("storage: ledger version conflict")

// LedgerRecord is the stored proof set together with the version
// number used for optimistic concurrency control.
type LedgerRecord struct {
	Proofs  cashu.Proofs
	Version uint64
}

// Quote is a persisted mint quote for a pending top-up.
type Quote struct {
	Id             string `json:"id"`
	Mint           string `json:"mint"`
	PaymentRequest string `json:"payment_request"`
	Amount         uint64 `json:"amount"`
	State          string `json:"state"`
	CreatedAt      int64  `json:"created_at"`
}

type DB interface {
	// GetLedger returns the full stored proof set and its version.
	GetLedger() (LedgerRecord, error)
	// PutLedger replaces the full stored proof set. It fails with
	// ErrVersionConflict if the stored version is no longer prevVersion.
	PutLedger(proofs cashu.Proofs, prevVersion uint64) error

	GetProviderToken(provider string) (string, error)
	PutProviderToken(provider, token string) error
	DeleteProviderToken(provider string) error
	ProviderTokens() (map[string]string, error)

	SaveQuote(Quote) error
	GetQuote(id string) (*Quote, error)
	PendingQuotes() ([]Quote, error)

	SaveKeyset(crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap

	GetMnemonic() (string, error)
	SaveMnemonic(string) error
	// ReserveCounter reserves n values of the secret derivation
	// counter and returns the first reserved value.
	ReserveCounter(n uint32) (uint32, error)

	Close() error
}
