// Package wallet implements an ecash proof wallet for paying
// metered API usage: it keeps a local balance as a set of unspent
// proofs, mints bearer tokens for specific providers, drives the
// pay-then-mint top-up flow and reconciles provider refunds back
// into local proofs.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/provider"
	"github.com/routstr/wallet/wallet/storage"
)

// Refunder asks a provider to hand back its remaining server-side
// balance as a serialized token.
type Refunder interface {
	Refund(ctx context.Context, token string) (string, error)
}

type Wallet struct {
	db     storage.DB
	logger *slog.Logger

	// current mint url; new value is always minted here
	mintURL     string
	defaultMint MintClient
	ledger      *Ledger
	secrets     *secretDeriver

	mintsMu sync.Mutex
	mints   map[string]MintClient

	// serializes token issuance so two callers cannot split for
	// the same provider at once
	issuerMu sync.Mutex

	newMint     func(ctx context.Context, mintURL string) (MintClient, error)
	newRefunder func(baseURL string) Refunder

	pollInterval    time.Duration
	maxPollAttempts int
}

func InitStorage(path string) (storage.DB, error) {
	// bolt db atm
	return storage.InitBolt(path)
}

func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	db, err := InitStorage(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	secrets, err := loadSecretDeriver(db)
	if err != nil {
		return nil, fmt.Errorf("error setting up wallet: %v", err)
	}

	mintURL, err := normalizeURL(config.MintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	wallet := &Wallet{
		db:              db,
		logger:          slog.Default(),
		mintURL:         mintURL,
		ledger:          newLedger(db),
		secrets:         secrets,
		mints:           make(map[string]MintClient),
		pollInterval:    config.PollInterval,
		maxPollAttempts: config.MaxPollAttempts,
	}
	wallet.newMint = func(ctx context.Context, mintURL string) (MintClient, error) {
		return connectMint(ctx, mintURL, secrets, db)
	}
	wallet.newRefunder = func(baseURL string) Refunder {
		return provider.NewClient(baseURL)
	}

	defaultMint, err := wallet.newMint(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mint: %w", err)
	}
	wallet.defaultMint = defaultMint
	wallet.mints[mintURL] = defaultMint

	return wallet, nil
}

// SetLogger replaces the wallet logger. Passing nil restores the default.
func (w *Wallet) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	w.logger = logger
}

func (w *Wallet) MintURL() string {
	return w.mintURL
}

// Balance returns the sum of all held proof amounts.
func (w *Wallet) Balance() (uint64, error) {
	return w.ledger.Balance()
}

func (w *Wallet) Close() error {
	return w.db.Close()
}

// ImportToken redeems an externally received serialized token into
// local proofs. The mint is determined by the token itself. On any
// failure the ledger is left untouched.
func (w *Wallet) ImportToken(ctx context.Context, tokenstr string) (uint64, error) {
	return w.receiveToken(ctx, tokenstr)
}

func (w *Wallet) receiveToken(ctx context.Context, tokenstr string) (uint64, error) {
	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		return 0, ErrInvalidToken
	}

	mintURL, err := normalizeURL(token.Mint())
	if err != nil || mintURL == "" {
		return 0, ErrInvalidToken
	}

	mint, err := w.mintFor(ctx, mintURL)
	if err != nil {
		return 0, fmt.Errorf("error connecting to mint %s: %w", mintURL, err)
	}

	proofs, err := mint.Receive(ctx, token)
	if err != nil {
		return 0, err
	}

	if err := w.ledger.AddProofs(proofs); err != nil {
		return 0, err
	}

	amount := proofs.Amount()
	w.logger.Info("received token", slog.String("mint", mintURL), slog.Uint64("amount", amount))
	return amount, nil
}

// mintFor returns a client for the given mint, connecting and
// caching it on first use.
func (w *Wallet) mintFor(ctx context.Context, mintURL string) (MintClient, error) {
	w.mintsMu.Lock()
	defer w.mintsMu.Unlock()

	if mint, ok := w.mints[mintURL]; ok {
		return mint, nil
	}

	mint, err := w.newMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	w.mints[mintURL] = mint
	return mint, nil
}

// spendableProofs returns the held proofs that were issued by the
// wallet's current mint. Proofs received from foreign mints count
// towards the balance but are not drawn on for new tokens.
func (w *Wallet) spendableProofs() (cashu.Proofs, error) {
	proofs, err := w.ledger.Proofs()
	if err != nil {
		return nil, err
	}

	foreign := make(map[string]bool)
	for mintURL, keysets := range w.db.GetKeysets() {
		if mintURL == w.mintURL {
			continue
		}
		for id := range keysets {
			foreign[id] = true
		}
	}

	spendable := make(cashu.Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if !foreign[proof.Id] {
			spendable = append(spendable, proof)
		}
	}
	return spendable, nil
}

func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(parsed.String(), "/"), nil
}
