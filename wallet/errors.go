package wallet

import (
	"errors"

	"github.com/routstr/wallet/cashu"
)

// Sentinel errors. Callers branch on these with errors.Is
// instead of parsing message strings.
var (
	// ErrNoFunds means the ledger holds less than the requested amount.
	ErrNoFunds = errors.New("wallet: not enough funds")
	// ErrInsufficientGranularity means the mint could not produce an
	// exact split for the requested amount.
	ErrInsufficientGranularity = errors.New("wallet: mint cannot produce exact split")
	// ErrLedgerInconsistency means the stored proof set changed underneath
	// an operation; the caller should re-read state and retry.
	ErrLedgerInconsistency = errors.New("wallet: ledger changed underneath operation")
	// ErrInvalidToken means a token was malformed or already spent.
	ErrInvalidToken = errors.New("wallet: invalid or already spent token")
	// ErrPaymentTimeout means a mint quote was never observed paid
	// within the polling bound.
	ErrPaymentTimeout = errors.New("wallet: mint quote was not paid in time")
	// ErrRemoteRejected means a provider answered 401/403 for a
	// previously cached token.
	ErrRemoteRejected = errors.New("wallet: provider rejected cached token")
	// ErrNoCachedToken means there is no cached token for the provider.
	ErrNoCachedToken = errors.New("wallet: no cached token for provider")
	// ErrQuoteNotPaid means minting was attempted before the quote was paid.
	ErrQuoteNotPaid = errors.New("wallet: quote has not been paid")
)

// translateMintError maps protocol-level mint errors onto the
// wallet error taxonomy. Transport errors pass through wrapped
// by the caller.
func translateMintError(err error) error {
	var mintErr cashu.Error
	if !errors.As(err, &mintErr) {
		return err
	}

	switch mintErr.Code {
	case cashu.ProofAlreadyUsedErrCode, cashu.InvalidProofErrCode:
		return ErrInvalidToken
	case cashu.InsufficientProofAmountErrCode, cashu.AmountLimitExceeded:
		return ErrInsufficientGranularity
	case cashu.MintQuoteRequestNotPaidErrCode:
		return ErrQuoteNotPaid
	}
	return err
}
