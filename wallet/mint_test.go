package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/crypto"
	"github.com/routstr/wallet/wallet/client"
	"github.com/routstr/wallet/wallet/storage"
)

// testMintServer is an httptest mint holding real signing keys, so
// the full blind/unblind round trip runs against it.
type testMintServer struct {
	keys     map[uint64]*secp256k1.PrivateKey
	pubkeys  crypto.PublicKeys
	keysetId string

	swapHits int
	// mangle rewrites the signatures before responding, simulating
	// a misbehaving mint
	mangle func(cashu.BlindedSignatures) cashu.BlindedSignatures

	server *httptest.Server
}

func newTestMintServer(t *testing.T) *testMintServer {
	t.Helper()

	keys := make(map[uint64]*secp256k1.PrivateKey)
	pubkeys := make(crypto.PublicKeys)
	for amount := uint64(1); amount <= 1024; amount <<= 1 {
		k, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		keys[amount] = k
		pubkeys[amount] = k.PubKey()
	}

	m := &testMintServer{
		keys:     keys,
		pubkeys:  pubkeys,
		keysetId: crypto.DeriveKeysetId(pubkeys),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/keys", m.handleKeys)
	mux.HandleFunc("/v1/keysets", m.handleKeysets)
	mux.HandleFunc("/v1/swap", m.handleSwap)
	mux.HandleFunc("/v1/mint/bolt11", m.handleMint)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)

	return m
}

func (m *testMintServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	res := client.GetKeysResponse{Keysets: []client.Keyset{
		{Id: m.keysetId, Unit: "sat", Active: true, Keys: m.pubkeys.Encode()},
	}}
	json.NewEncoder(w).Encode(res)
}

func (m *testMintServer) handleKeysets(w http.ResponseWriter, r *http.Request) {
	res := client.GetKeysResponse{Keysets: []client.Keyset{
		{Id: m.keysetId, Unit: "sat", Active: true},
	}}
	json.NewEncoder(w).Encode(res)
}

func (m *testMintServer) handleSwap(w http.ResponseWriter, r *http.Request) {
	m.swapHits++
	var req client.PostSwapRequest
	json.NewDecoder(r.Body).Decode(&req)
	json.NewEncoder(w).Encode(client.PostSwapResponse{Signatures: m.sign(req.Outputs)})
}

func (m *testMintServer) handleMint(w http.ResponseWriter, r *http.Request) {
	var req client.PostMintBolt11Request
	json.NewDecoder(r.Body).Decode(&req)
	json.NewEncoder(w).Encode(client.PostMintBolt11Response{Signatures: m.sign(req.Outputs)})
}

func (m *testMintServer) sign(outputs cashu.BlindedMessages) cashu.BlindedSignatures {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		B_bytes, _ := hex.DecodeString(output.B_)
		B_, _ := secp256k1.ParsePubKey(B_bytes)
		C_ := crypto.SignBlindedMessage(B_, m.keys[output.Amount])
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     m.keysetId,
		}
	}
	if m.mangle != nil {
		signatures = m.mangle(signatures)
	}
	return signatures
}

// requireValidProof checks the unblinded signature against the mint
// key for the proof's amount.
func (m *testMintServer) requireValidProof(t *testing.T, proof cashu.Proof) {
	t.Helper()
	require.Equal(t, m.keysetId, proof.Id)

	Cbytes, err := hex.DecodeString(proof.C)
	require.NoError(t, err)
	C, err := secp256k1.ParsePubKey(Cbytes)
	require.NoError(t, err)

	k, ok := m.keys[proof.Amount]
	require.True(t, ok, "no mint key for amount %d", proof.Amount)
	require.True(t, crypto.Verify([]byte(proof.Secret), k, C),
		"proof of amount %d does not verify", proof.Amount)
}

func connectTestMint(t *testing.T, mintServer *testMintServer) *httpMint {
	t.Helper()

	db, err := storage.InitBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	secrets, err := loadSecretDeriver(db)
	require.NoError(t, err)

	mint, err := connectMint(context.Background(), mintServer.server.URL, secrets, db)
	require.NoError(t, err)
	require.Equal(t, mintServer.keysetId, mint.activeKeyset.Id)
	return mint
}

func TestHttpMintSplit(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)

	inputs := testProofs(mintServer.keysetId, 1000)

	send, keep, err := mint.Split(ctx, inputs, 12)
	require.NoError(t, err)
	require.Equal(t, uint64(12), send.Amount())
	require.Equal(t, uint64(988), keep.Amount())

	// value in equals value out
	require.Equal(t, inputs.Amount(), send.Amount()+keep.Amount())

	newProofs := append(send, keep...)
	require.False(t, cashu.CheckDuplicateProofs(newProofs))
	for _, proof := range newProofs {
		mintServer.requireValidProof(t, proof)
	}

	_, _, err = mint.Split(ctx, inputs, 2000)
	require.ErrorIs(t, err, ErrNoFunds)
}

func TestHttpMintSplitWrongGrouping(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)

	// total output is conserved but the mint reorders its answer, so
	// the send slice no longer sums to the requested amount
	mintServer.mangle = func(signatures cashu.BlindedSignatures) cashu.BlindedSignatures {
		sort.Slice(signatures, func(i, j int) bool {
			return signatures[i].Amount < signatures[j].Amount
		})
		return signatures
	}

	_, _, err := mint.Split(ctx, testProofs(mintServer.keysetId, 1000), 12)
	require.ErrorIs(t, err, ErrInsufficientGranularity)
}

func TestHttpMintSplitViolatesConservation(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)

	// a mint answering with more value than it was given is rejected
	mintServer.mangle = func(signatures cashu.BlindedSignatures) cashu.BlindedSignatures {
		signatures[len(signatures)-1].Amount *= 2
		return signatures
	}

	_, _, err := mint.Split(ctx, testProofs(mintServer.keysetId, 1000), 12)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInsufficientGranularity)
}

func TestHttpMintMintProofs(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)

	proofs, err := mint.MintProofs(ctx, 300, "quote-1")
	require.NoError(t, err)
	require.Equal(t, uint64(300), proofs.Amount())
	for _, proof := range proofs {
		mintServer.requireValidProof(t, proof)
	}
}

func TestHttpMintReceive(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)

	inputs := testProofs(mintServer.keysetId, 21)
	token, err := cashu.NewTokenV4(inputs, mintServer.server.URL, cashu.Sat)
	require.NoError(t, err)

	proofs, err := mint.Receive(ctx, token)
	require.NoError(t, err)
	require.Equal(t, uint64(21), proofs.Amount())

	// the wallet holds fresh proofs, not the ones from the token
	inputSecrets := make(map[string]bool)
	for _, proof := range inputs {
		inputSecrets[proof.Secret] = true
	}
	for _, proof := range proofs {
		require.False(t, inputSecrets[proof.Secret])
		mintServer.requireValidProof(t, proof)
	}
}

func TestHttpMintReceiveUnknownKeyset(t *testing.T) {
	ctx := context.Background()
	mintServer := newTestMintServer(t)
	mint := connectTestMint(t, mintServer)
	swapsBefore := mintServer.swapHits

	// proofs claiming a keyset the mint never published
	token, err := cashu.NewTokenV4(testProofs("00deadbeef112233", 8), mintServer.server.URL, cashu.Sat)
	require.NoError(t, err)

	_, err = mint.Receive(ctx, token)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, swapsBefore, mintServer.swapHits)
}
