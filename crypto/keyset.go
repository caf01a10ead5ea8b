package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// mint url to map of keyset id to keyset
type KeysetsMap map[string]map[string]WalletKeyset

// WalletKeyset is the wallet-side view of a mint keyset:
// only the public key per amount is known.
type WalletKeyset struct {
	Id      string
	MintURL string
	Unit    string
	Active  bool
	Keys    PublicKeys
}

// PublicKeys maps amounts to the mint public key that
// signs proofs of that amount.
type PublicKeys map[uint64]*secp256k1.PublicKey

// Encode returns the amount -> compressed hex pubkey form
// used on the wire and in storage.
func (pk PublicKeys) Encode() map[uint64]string {
	keys := make(map[uint64]string, len(pk))
	for amount, key := range pk {
		keys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return keys
}

// ParsePublicKeys parses the amount -> compressed hex pubkey map
// returned by the mint's /v1/keys endpoint.
func ParsePublicKeys(keys map[uint64]string) (PublicKeys, error) {
	parsed := make(PublicKeys, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		parsed[amount] = pubkey
	}
	return parsed, nil
}

// DeriveKeysetId derives the id from the keyset public keys
// sorted by amount: "00" + first 14 hex chars of the sha256 of
// the concatenated compressed keys.
func DeriveKeysetId(keys PublicKeys) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool {
		return amounts[i] < amounts[j]
	})

	pubkeys := make([]byte, 0)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.New()
	hash.Write(pubkeys)

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}
