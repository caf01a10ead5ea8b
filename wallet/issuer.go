package wallet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/routstr/wallet/cashu"
)

// GetOrCreateToken returns a spendable bearer token for the given
// provider. A cached token is reused until explicitly invalidated;
// splitting on every request would cost a mint round trip and leak
// distinguishability. A fresh token is minted by splitting the
// ledger's proofs into (send, keep) with send summing exactly to
// amount.
func (w *Wallet) GetOrCreateToken(ctx context.Context, providerURL string, amount uint64) (string, error) {
	providerKey, err := normalizeURL(providerURL)
	if err != nil {
		return "", fmt.Errorf("invalid provider url: %v", err)
	}

	w.issuerMu.Lock()
	defer w.issuerMu.Unlock()

	cached, err := w.db.GetProviderToken(providerKey)
	if err != nil {
		return "", fmt.Errorf("reading token cache: %v", err)
	}
	if cached != "" {
		return cached, nil
	}

	if amount == 0 {
		return "", ErrNoFunds
	}

	proofs, err := w.spendableProofs()
	if err != nil {
		return "", err
	}
	if proofs.Amount() < amount {
		return "", ErrNoFunds
	}

	selected := selectProofsForAmount(proofs, amount)

	send, keep, err := w.defaultMint.Split(ctx, selected, amount)
	if err != nil {
		return "", err
	}

	if err := w.ledger.ConsumeAndReplace(selected, keep); err != nil {
		return "", err
	}

	token, err := cashu.NewTokenV4(send, w.mintURL, cashu.Sat)
	if err != nil {
		return "", fmt.Errorf("error serializing token: %v", err)
	}
	tokenstr, err := token.Serialize()
	if err != nil {
		return "", fmt.Errorf("error serializing token: %v", err)
	}

	if err := w.db.PutProviderToken(providerKey, tokenstr); err != nil {
		return "", fmt.Errorf("caching token: %v", err)
	}

	w.logger.Info("issued token",
		slog.String("provider", providerKey), slog.Uint64("amount", amount))
	return tokenstr, nil
}

// InvalidateToken removes the cached token for a provider. Called
// when the provider rejects it (401/403); the wallet must not
// re-offer a token the remote party has refused.
func (w *Wallet) InvalidateToken(providerURL string) error {
	providerKey, err := normalizeURL(providerURL)
	if err != nil {
		return fmt.Errorf("invalid provider url: %v", err)
	}

	if err := w.db.DeleteProviderToken(providerKey); err != nil {
		return fmt.Errorf("deleting cached token: %v", err)
	}

	w.logger.Info("invalidated token", slog.String("provider", providerKey))
	return nil
}

// CachedToken returns the cached token for a provider, or
// ErrNoCachedToken.
func (w *Wallet) CachedToken(providerURL string) (string, error) {
	providerKey, err := normalizeURL(providerURL)
	if err != nil {
		return "", fmt.Errorf("invalid provider url: %v", err)
	}

	token, err := w.db.GetProviderToken(providerKey)
	if err != nil {
		return "", fmt.Errorf("reading token cache: %v", err)
	}
	if token == "" {
		return "", ErrNoCachedToken
	}
	return token, nil
}

// ProviderTokens lists all cached provider tokens with the amount
// each one encodes.
func (w *Wallet) ProviderTokens() (map[string]uint64, error) {
	tokens, err := w.db.ProviderTokens()
	if err != nil {
		return nil, fmt.Errorf("reading token cache: %v", err)
	}

	amounts := make(map[string]uint64, len(tokens))
	for providerKey, tokenstr := range tokens {
		token, err := cashu.DecodeToken(tokenstr)
		if err != nil {
			// unreadable cache entry, surface as zero
			amounts[providerKey] = 0
			continue
		}
		amounts[providerKey] = token.Amount()
	}
	return amounts, nil
}

// selectProofsForAmount picks proofs until their sum covers amount.
func selectProofsForAmount(proofs cashu.Proofs, amount uint64) cashu.Proofs {
	selected := make(cashu.Proofs, 0)
	var total uint64
	for _, proof := range proofs {
		if total >= amount {
			break
		}
		selected = append(selected, proof)
		total += proof.Amount
	}
	return selected
}
