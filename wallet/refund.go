package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/routstr/wallet/provider"
)

// Refund pulls the provider's remaining server-side balance for the
// cached token back into the ledger. The provider answers with a
// token from its own mint, which may differ from the wallet's; the
// proofs are received at whichever mint issued them.
//
// A provider reporting nothing left to refund is success with zero:
// the cached token was fully consumed server-side and is dropped.
func (w *Wallet) Refund(ctx context.Context, providerURL string) (uint64, error) {
	providerKey, err := normalizeURL(providerURL)
	if err != nil {
		return 0, fmt.Errorf("invalid provider url: %v", err)
	}

	token, err := w.db.GetProviderToken(providerKey)
	if err != nil {
		return 0, fmt.Errorf("reading token cache: %v", err)
	}
	if token == "" {
		return 0, ErrNoCachedToken
	}

	return w.refund(ctx, providerKey, token)
}

// RefundToken is Refund with an explicitly supplied token instead of
// the cached one.
func (w *Wallet) RefundToken(ctx context.Context, providerURL, token string) (uint64, error) {
	providerKey, err := normalizeURL(providerURL)
	if err != nil {
		return 0, fmt.Errorf("invalid provider url: %v", err)
	}
	return w.refund(ctx, providerKey, token)
}

func (w *Wallet) refund(ctx context.Context, providerKey, token string) (uint64, error) {
	refunder := w.newRefunder(providerKey)

	refundToken, err := refunder.Refund(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNoBalance):
			// token already fully consumed server-side
			if err := w.InvalidateToken(providerKey); err != nil {
				return 0, err
			}
			return 0, nil
		case errors.Is(err, provider.ErrUnauthorized):
			if err := w.InvalidateToken(providerKey); err != nil {
				return 0, err
			}
			return 0, ErrRemoteRejected
		}
		return 0, fmt.Errorf("error requesting refund: %w", err)
	}

	amount, err := w.receiveToken(ctx, refundToken)
	if err != nil {
		return 0, err
	}

	// provider-side balance is now zero, the old token is dead
	if err := w.InvalidateToken(providerKey); err != nil {
		return 0, err
	}

	w.logger.Info("refunded provider balance",
		slog.String("provider", providerKey), slog.Uint64("amount", amount))
	return amount, nil
}
