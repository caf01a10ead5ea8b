package wallet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"

	"github.com/routstr/wallet/wallet/storage"
)

// secretDeriver produces the per-proof secrets and blinding factors
// from the wallet seed and a monotonic counter persisted in storage,
// so a wallet restored from its mnemonic can re-derive them.
type secretDeriver struct {
	seed []byte
	db   storage.DB
}

func loadSecretDeriver(db storage.DB) (*secretDeriver, error) {
	mnemonic, err := db.GetMnemonic()
	if err != nil {
		return nil, fmt.Errorf("reading mnemonic: %v", err)
	}

	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		if err := db.SaveMnemonic(mnemonic); err != nil {
			return nil, fmt.Errorf("saving mnemonic: %v", err)
		}
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("stored mnemonic is invalid")
	}

	return &secretDeriver{seed: bip39.NewSeed(mnemonic, ""), db: db}, nil
}

// Next reserves the next counter value and derives a secret and
// blinding factor from it.
func (s *secretDeriver) Next() (string, []byte, error) {
	counter, err := s.db.ReserveCounter(1)
	if err != nil {
		return "", nil, fmt.Errorf("reserving counter: %v", err)
	}

	secret := hex.EncodeToString(s.derive("secret", counter))
	blindingFactor := s.derive("r", counter)

	return secret, blindingFactor, nil
}

func (s *secretDeriver) derive(domain string, counter uint32) []byte {
	mac := hmac.New(sha256.New, s.seed)
	mac.Write([]byte(domain + "/"))

	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	mac.Write(c[:])

	out := mac.Sum(nil)
	// reduce mod curve order so the blinding factor is a valid scalar
	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(out)
	b := scalar.Bytes()
	return b[:]
}
