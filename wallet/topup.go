package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/wallet/storage"
)

// TopupState is the lifecycle state of a top-up quote.
type TopupState int

const (
	// TopupCreated: quote exists, invoice not observed paid yet.
	TopupCreated TopupState = iota
	// TopupMinted: invoice paid and proofs added to the ledger.
	TopupMinted
	// TopupAbandoned: caller cancelled before minting. The invoice
	// is not invalidated mint-side; a payment arriving afterwards
	// is lost value, which is accepted.
	TopupAbandoned
	// TopupTimedOut: polling bound exhausted without observing payment.
	TopupTimedOut
)

func (state TopupState) String() string {
	switch state {
	case TopupCreated:
		return "CREATED"
	case TopupMinted:
		return "MINTED"
	case TopupAbandoned:
		return "ABANDONED"
	case TopupTimedOut:
		return "TIMED_OUT"
	default:
		return "unknown"
	}
}

// TopupQuote drives one pay-then-mint flow: poll the mint until the
// invoice is paid, then mint fresh proofs into the ledger exactly
// once. It is a standalone state machine with explicit Tick and
// Cancel operations; Run wraps them in a timer loop.
type TopupQuote struct {
	mu       sync.Mutex
	state    TopupState
	attempts int

	id             string
	paymentRequest string
	amount         uint64
	createdAt      int64

	wallet *Wallet
	mint   MintClient
}

// RequestTopup creates a mint quote for the given amount. The
// returned quote exposes the payment request for display and must be
// driven by Run or Tick until it reaches a terminal state.
func (w *Wallet) RequestTopup(ctx context.Context, amount uint64) (*TopupQuote, error) {
	if amount == 0 {
		return nil, fmt.Errorf("topup amount cannot be zero")
	}

	mintQuote, err := w.defaultMint.CreateMintQuote(ctx, amount)
	if err != nil {
		return nil, fmt.Errorf("error requesting mint quote: %w", err)
	}

	quote := &TopupQuote{
		state:          TopupCreated,
		id:             mintQuote.Id,
		paymentRequest: mintQuote.PaymentRequest,
		amount:         amount,
		createdAt:      time.Now().Unix(),
		wallet:         w,
		mint:           w.defaultMint,
	}
	quote.persist(QuoteUnpaid.String())

	w.logger.Info("created topup quote",
		slog.String("quote", quote.id), slog.Uint64("amount", amount))
	return quote, nil
}

// PendingTopups lists persisted quotes that have not reached a
// terminal state, so an interrupted session can resume them.
func (w *Wallet) PendingTopups() ([]storage.Quote, error) {
	return w.db.PendingQuotes()
}

// ResumeTopup reconstructs the state machine for a persisted quote.
func (w *Wallet) ResumeTopup(id string) (*TopupQuote, error) {
	stored, err := w.db.GetQuote(id)
	if err != nil {
		return nil, fmt.Errorf("reading quote: %v", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("unknown quote %s", id)
	}

	state := TopupCreated
	switch stored.State {
	case QuoteIssued.String():
		state = TopupMinted
	case TopupAbandoned.String():
		state = TopupAbandoned
	case TopupTimedOut.String():
		state = TopupTimedOut
	}

	return &TopupQuote{
		state:          state,
		id:             stored.Id,
		paymentRequest: stored.PaymentRequest,
		amount:         stored.Amount,
		createdAt:      stored.CreatedAt,
		wallet:         w,
		mint:           w.defaultMint,
	}, nil
}

func (q *TopupQuote) Id() string             { return q.id }
func (q *TopupQuote) PaymentRequest() string { return q.paymentRequest }
func (q *TopupQuote) Amount() uint64         { return q.amount }

func (q *TopupQuote) State() TopupState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Tick performs a single polling step. Once the quote has reached a
// terminal state further ticks are no-ops, so the PAID handling runs
// at most once.
func (q *TopupQuote) Tick(ctx context.Context) (TopupState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != TopupCreated {
		return q.state, nil
	}

	q.attempts++
	if q.attempts > q.wallet.maxPollAttempts {
		q.state = TopupTimedOut
		q.persist(TopupTimedOut.String())
		q.wallet.logger.Warn("topup quote timed out", slog.String("quote", q.id))
		return q.state, ErrPaymentTimeout
	}

	state, err := q.mint.MintQuoteState(ctx, q.id)
	if err != nil {
		// transport failure; the bounded loop retries
		return q.state, nil
	}

	switch state {
	case QuotePaid:
		return q.mintPaidQuote(ctx)
	case QuoteIssued:
		// proofs were already issued for this quote, nothing to mint
		q.state = TopupMinted
		q.persist(QuoteIssued.String())
		return q.state, nil
	}
	return q.state, nil
}

// mintPaidQuote is called with the quote lock held.
func (q *TopupQuote) mintPaidQuote(ctx context.Context) (TopupState, error) {
	proofs, err := q.mint.MintProofs(ctx, q.amount, q.id)
	if err != nil {
		var mintErr cashu.Error
		if errors.As(err, &mintErr) && mintErr.Code == cashu.MintQuoteAlreadyIssuedErrCode {
			// another writer minted this quote first
			q.state = TopupMinted
			q.persist(QuoteIssued.String())
			return q.state, nil
		}
		return q.state, fmt.Errorf("error minting proofs: %w", err)
	}

	if err := q.wallet.ledger.AddProofs(proofs); err != nil {
		// the mint has issued these proofs; record the quote so the
		// counter-derived secrets can be recovered manually
		q.wallet.logger.Error("minted proofs could not be stored",
			slog.String("quote", q.id), slog.Uint64("amount", proofs.Amount()),
			slog.String("err", err.Error()))
		return q.state, fmt.Errorf("storing minted proofs: %w", err)
	}

	q.state = TopupMinted
	q.persist(QuoteIssued.String())
	q.wallet.logger.Info("topup minted",
		slog.String("quote", q.id), slog.Uint64("amount", proofs.Amount()))
	return q.state, nil
}

// Cancel abandons the quote. It stops future ticks but does not
// invalidate the quote mint-side.
func (q *TopupQuote) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != TopupCreated {
		return
	}
	q.state = TopupAbandoned
	q.persist(TopupAbandoned.String())
	q.wallet.logger.Info("topup abandoned", slog.String("quote", q.id))
}

// Run polls the quote on the wallet's interval until it reaches a
// terminal state. Returns nil when minted or abandoned,
// ErrPaymentTimeout when the polling bound is exhausted, or the
// context error on cancellation.
func (q *TopupQuote) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.wallet.pollInterval)
	defer ticker.Stop()

	for {
		state, err := q.Tick(ctx)
		if err != nil && errors.Is(err, ErrPaymentTimeout) {
			return err
		}
		switch state {
		case TopupMinted, TopupAbandoned:
			return nil
		case TopupTimedOut:
			return ErrPaymentTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// persist is called with the quote lock held (or before the quote
// is shared).
func (q *TopupQuote) persist(state string) {
	err := q.wallet.db.SaveQuote(storage.Quote{
		Id:             q.id,
		Mint:           q.mint.MintURL(),
		PaymentRequest: q.paymentRequest,
		Amount:         q.amount,
		State:          state,
		CreatedAt:      q.createdAt,
	})
	if err != nil {
		q.wallet.logger.Error("persisting quote",
			slog.String("quote", q.id), slog.String("err", err.Error()))
	}
}
