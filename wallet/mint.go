package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/crypto"
	"github.com/routstr/wallet/wallet/client"
	"github.com/routstr/wallet/wallet/storage"
)

type QuoteState int

const (
	QuoteUnpaid QuoteState = iota
	QuotePaid
	QuoteIssued
	QuoteUnknown
)

func (state QuoteState) String() string {
	switch state {
	case QuoteUnpaid:
		return "UNPAID"
	case QuotePaid:
		return "PAID"
	case QuoteIssued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToQuoteState(state string) QuoteState {
	switch state {
	case "UNPAID":
		return QuoteUnpaid
	case "PAID":
		return QuotePaid
	case "ISSUED":
		return QuoteIssued
	}
	return QuoteUnknown
}

// MintQuote is an invoice request to fund the ledger.
type MintQuote struct {
	Id             string
	PaymentRequest string
	Amount         uint64
	State          QuoteState
	Expiry         int64
}

// MintClient wraps the ecash protocol against a single mint. The
// blind-signature mechanics stay behind this interface; callers only
// deal in proofs and amounts.
type MintClient interface {
	MintURL() string
	CreateMintQuote(ctx context.Context, amount uint64) (*MintQuote, error)
	MintQuoteState(ctx context.Context, quoteId string) (QuoteState, error)
	// MintProofs exchanges a paid quote for fresh proofs of the
	// full quoted amount.
	MintProofs(ctx context.Context, amount uint64, quoteId string) (cashu.Proofs, error)
	// Split exchanges proofs for a (send, keep) pair with
	// send summing exactly to amount.
	Split(ctx context.Context, proofs cashu.Proofs, amount uint64) (send, keep cashu.Proofs, err error)
	// Receive swaps the proofs of an externally received token
	// for fresh proofs held by this wallet.
	Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error)
}

// httpMint is the MintClient implementation against a real mint
// over its HTTP API.
type httpMint struct {
	url          string
	activeKeyset crypto.WalletKeyset
	secrets      *secretDeriver

	// ids of every keyset the mint has published, loaded lazily
	keysetIds map[string]bool
}

// connectMint loads the mint's active keyset and records it in
// storage so proofs can later be attributed to this mint.
func connectMint(ctx context.Context, mintURL string, secrets *secretDeriver, db storage.DB) (*httpMint, error) {
	keysRes, err := client.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	var activeKeyset crypto.WalletKeyset
	for _, keysetRes := range keysRes.Keysets {
		if keysetRes.Unit != cashu.Sat.String() {
			continue
		}

		keys, err := crypto.ParsePublicKeys(keysetRes.Keys)
		if err != nil {
			return nil, fmt.Errorf("invalid keys from mint: %v", err)
		}
		activeKeyset = crypto.WalletKeyset{
			Id:      crypto.DeriveKeysetId(keys),
			MintURL: mintURL,
			Unit:    keysetRes.Unit,
			Active:  true,
			Keys:    keys,
		}
		break
	}
	if activeKeyset.Id == "" {
		return nil, fmt.Errorf("mint %s has no active sat keyset", mintURL)
	}

	keysets := db.GetKeysets()
	if _, ok := keysets[mintURL][activeKeyset.Id]; !ok {
		if err := db.SaveKeyset(activeKeyset); err != nil {
			return nil, fmt.Errorf("saving keyset: %v", err)
		}
	}

	return &httpMint{url: mintURL, activeKeyset: activeKeyset, secrets: secrets}, nil
}

func (m *httpMint) MintURL() string { return m.url }

func (m *httpMint) CreateMintQuote(ctx context.Context, amount uint64) (*MintQuote, error) {
	request := client.PostMintQuoteBolt11Request{Amount: amount, Unit: cashu.Sat.String()}
	res, err := client.PostMintQuoteBolt11(ctx, m.url, request)
	if err != nil {
		return nil, translateMintError(err)
	}

	return &MintQuote{
		Id:             res.Quote,
		PaymentRequest: res.Request,
		Amount:         amount,
		State:          StringToQuoteState(res.QuoteState()),
		Expiry:         res.Expiry,
	}, nil
}

func (m *httpMint) MintQuoteState(ctx context.Context, quoteId string) (QuoteState, error) {
	res, err := client.GetMintQuoteState(ctx, m.url, quoteId)
	if err != nil {
		return QuoteUnknown, translateMintError(err)
	}
	return StringToQuoteState(res.QuoteState()), nil
}

func (m *httpMint) MintProofs(ctx context.Context, amount uint64, quoteId string) (cashu.Proofs, error) {
	blindedMessages, secrets, rs, err := m.createBlindedMessages(amount)
	if err != nil {
		return nil, fmt.Errorf("creating blinded messages: %v", err)
	}

	request := client.PostMintBolt11Request{Quote: quoteId, Outputs: blindedMessages}
	res, err := client.PostMintBolt11(ctx, m.url, request)
	if err != nil {
		return nil, translateMintError(err)
	}

	proofs, err := m.constructProofs(res.Signatures, secrets, rs)
	if err != nil {
		return nil, fmt.Errorf("constructing proofs: %v", err)
	}
	return proofs, nil
}

func (m *httpMint) Split(ctx context.Context, proofs cashu.Proofs, amount uint64) (cashu.Proofs, cashu.Proofs, error) {
	inputAmount := proofs.Amount()
	if inputAmount < amount {
		return nil, nil, ErrNoFunds
	}
	changeAmount := inputAmount - amount

	// blinded messages for the send amount
	send, secrets, rs, err := m.createBlindedMessages(amount)
	if err != nil {
		return nil, nil, fmt.Errorf("creating blinded messages: %v", err)
	}
	sendCount := len(send)

	// blinded messages for the change amount
	change, changeSecrets, changeRs, err := m.createBlindedMessages(changeAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("creating blinded messages: %v", err)
	}

	blindedMessages := append(send, change...)
	secrets = append(secrets, changeSecrets...)
	rs = append(rs, changeRs...)

	res, err := client.PostSwap(ctx, m.url, client.PostSwapRequest{Inputs: proofs, Outputs: blindedMessages})
	if err != nil {
		return nil, nil, translateMintError(err)
	}

	newProofs, err := m.constructProofs(res.Signatures, secrets, rs)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing proofs: %v", err)
	}
	if newProofs.Amount() != inputAmount {
		return nil, nil, fmt.Errorf("mint returned %d for inputs of %d", newProofs.Amount(), inputAmount)
	}

	// first sendCount proofs match the send outputs, rest is change
	sendProofs := newProofs[:sendCount]
	keepProofs := newProofs[sendCount:]
	if sendProofs.Amount() != amount {
		return nil, nil, ErrInsufficientGranularity
	}

	return sendProofs, keepProofs, nil
}

func (m *httpMint) Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error) {
	inputs := token.Proofs()
	if len(inputs) == 0 || cashu.CheckDuplicateProofs(inputs) {
		return nil, ErrInvalidToken
	}

	// proofs claiming a keyset the mint never published would be
	// rejected by the swap anyway, fail before spending outputs on it
	for _, proof := range inputs {
		known, err := m.knownKeyset(ctx, proof.Id)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, ErrInvalidToken
		}
	}

	outputs, secrets, rs, err := m.createBlindedMessages(inputs.Amount())
	if err != nil {
		return nil, fmt.Errorf("creating blinded messages: %v", err)
	}

	res, err := client.PostSwap(ctx, m.url, client.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		return nil, translateMintError(err)
	}

	proofs, err := m.constructProofs(res.Signatures, secrets, rs)
	if err != nil {
		return nil, fmt.Errorf("constructing proofs: %v", err)
	}
	return proofs, nil
}

// knownKeyset reports whether the mint has ever published a keyset
// with the given id, loading the full keyset list on first use.
func (m *httpMint) knownKeyset(ctx context.Context, id string) (bool, error) {
	if m.keysetIds == nil {
		res, err := client.GetAllKeysets(ctx, m.url)
		if err != nil {
			return false, fmt.Errorf("error getting keysets from mint: %w", err)
		}
		ids := make(map[string]bool, len(res.Keysets))
		for _, keyset := range res.Keysets {
			ids[keyset.Id] = true
		}
		m.keysetIds = ids
	}
	return m.keysetIds[id], nil
}

// createBlindedMessages decomposes amount into powers of two and
// blinds a fresh derived secret for each.
func (m *httpMint) createBlindedMessages(amount uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		secret, blindingFactor, err := m.secrets.Next()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r := crypto.BlindMessage([]byte(secret), blindingFactor)
		blindedMessages[i] = cashu.NewBlindedMessage(m.activeKeyset.Id, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	cashu.SortBlindedMessages(blindedMessages, secrets, rs)
	return blindedMessages, secrets, rs, nil
}

func (m *httpMint) constructProofs(blindedSignatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey) (cashu.Proofs, error) {

	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := m.activeKeyset.Keys[blindedSignature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed unknown amount %d", blindedSignature.Amount)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Id:     blindedSignature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}

	return proofs, nil
}
