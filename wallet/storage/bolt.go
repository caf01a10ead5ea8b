package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/routstr/wallet/cashu"
	"github.com/routstr/wallet/crypto"
)

const (
	ledgerBucket         = "ledger"
	providerTokensBucket = "providerTokens"
	quotesBucket         = "quotes"
	keysetsBucket        = "keysets"
	walletBucket         = "wallet"

	proofsKey   = "proofs"
	versionKey  = "version"
	mnemonicKey = "mnemonic"
	counterKey  = "counter"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up wallet: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			ledgerBucket,
			providerTokensBucket,
			quotesBucket,
			keysetsBucket,
			walletBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetLedger() (LedgerRecord, error) {
	var record LedgerRecord

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		ledgerb := tx.Bucket([]byte(ledgerBucket))

		if v := ledgerb.Get([]byte(proofsKey)); v != nil {
			if err := json.Unmarshal(v, &record.Proofs); err != nil {
				return fmt.Errorf("invalid ledger record: %v", err)
			}
		}
		if v := ledgerb.Get([]byte(versionKey)); v != nil {
			record.Version = binary.BigEndian.Uint64(v)
		}
		return nil
	}); err != nil {
		return LedgerRecord{}, err
	}

	return record, nil
}

// PutLedger replaces the stored proof set. The version check and the
// write happen in the same bolt transaction, so a stale writer can
// never clobber another writer's update.
func (db *BoltDB) PutLedger(proofs cashu.Proofs, prevVersion uint64) error {
	jsonProofs, err := json.Marshal(proofs)
	if err != nil {
		return fmt.Errorf("invalid proofs: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		ledgerb := tx.Bucket([]byte(ledgerBucket))

		var storedVersion uint64
		if v := ledgerb.Get([]byte(versionKey)); v != nil {
			storedVersion = binary.BigEndian.Uint64(v)
		}
		if storedVersion != prevVersion {
			return ErrVersionConflict
		}

		if err := ledgerb.Put([]byte(proofsKey), jsonProofs); err != nil {
			return err
		}

		newVersion := make([]byte, 8)
		binary.BigEndian.PutUint64(newVersion, storedVersion+1)
		return ledgerb.Put([]byte(versionKey), newVersion)
	})
}

func (db *BoltDB) GetProviderToken(provider string) (string, error) {
	var token string
	if err := db.bolt.View(func(tx *bolt.Tx) error {
		tokensb := tx.Bucket([]byte(providerTokensBucket))
		token = string(tokensb.Get([]byte(provider)))
		return nil
	}); err != nil {
		return "", err
	}
	return token, nil
}

func (db *BoltDB) PutProviderToken(provider, token string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		tokensb := tx.Bucket([]byte(providerTokensBucket))
		return tokensb.Put([]byte(provider), []byte(token))
	})
}

func (db *BoltDB) DeleteProviderToken(provider string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		tokensb := tx.Bucket([]byte(providerTokensBucket))
		return tokensb.Delete([]byte(provider))
	})
}

func (db *BoltDB) ProviderTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	if err := db.bolt.View(func(tx *bolt.Tx) error {
		tokensb := tx.Bucket([]byte(providerTokensBucket))
		return tokensb.ForEach(func(k, v []byte) error {
			tokens[string(k)] = string(v)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (db *BoltDB) SaveQuote(quote Quote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid quote: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(quotesBucket))
		return quotesb.Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetQuote(id string) (*Quote, error) {
	var quote *Quote
	if err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(quotesBucket))
		if v := quotesb.Get([]byte(id)); v != nil {
			var q Quote
			if err := json.Unmarshal(v, &q); err != nil {
				return fmt.Errorf("invalid quote record: %v", err)
			}
			quote = &q
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return quote, nil
}

func (db *BoltDB) PendingQuotes() ([]Quote, error) {
	quotes := []Quote{}
	if err := db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(quotesBucket))
		return quotesb.ForEach(func(k, v []byte) error {
			var quote Quote
			if err := json.Unmarshal(v, &quote); err != nil {
				return fmt.Errorf("invalid quote record: %v", err)
			}
			if quote.State == "UNPAID" || quote.State == "PAID" {
				quotes = append(quotes, quote)
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return quotes, nil
}

// storedKeyset is the serialized form of a wallet keyset,
// with public keys as compressed hex.
type storedKeyset struct {
	Id      string            `json:"id"`
	MintURL string            `json:"mint_url"`
	Unit    string            `json:"unit"`
	Active  bool              `json:"active"`
	Keys    map[uint64]string `json:"keys"`
}

func (db *BoltDB) SaveKeyset(keyset crypto.WalletKeyset) error {
	stored := storedKeyset{
		Id:      keyset.Id,
		MintURL: keyset.MintURL,
		Unit:    keyset.Unit,
		Active:  keyset.Active,
		Keys:    keyset.Keys.Encode(),
	}
	jsonKeyset, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEach(func(k, v []byte) error {
			var stored storedKeyset
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("invalid keyset record: %v", err)
			}

			keys, err := crypto.ParsePublicKeys(stored.Keys)
			if err != nil {
				return fmt.Errorf("invalid keyset keys: %v", err)
			}
			keyset := crypto.WalletKeyset{
				Id:      stored.Id,
				MintURL: stored.MintURL,
				Unit:    stored.Unit,
				Active:  stored.Active,
				Keys:    keys,
			}

			if _, ok := keysets[keyset.MintURL]; !ok {
				keysets[keyset.MintURL] = make(map[string]crypto.WalletKeyset)
			}
			keysets[keyset.MintURL][keyset.Id] = keyset
			return nil
		})
	}); err != nil {
		return crypto.KeysetsMap{}
	}

	return keysets
}

func (db *BoltDB) GetMnemonic() (string, error) {
	var mnemonic string
	if err := db.bolt.View(func(tx *bolt.Tx) error {
		walletb := tx.Bucket([]byte(walletBucket))
		mnemonic = string(walletb.Get([]byte(mnemonicKey)))
		return nil
	}); err != nil {
		return "", err
	}
	return mnemonic, nil
}

func (db *BoltDB) SaveMnemonic(mnemonic string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		walletb := tx.Bucket([]byte(walletBucket))
		return walletb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) ReserveCounter(n uint32) (uint32, error) {
	var first uint32
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		walletb := tx.Bucket([]byte(walletBucket))

		if v := walletb.Get([]byte(counterKey)); v != nil {
			first = binary.BigEndian.Uint32(v)
		}

		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, first+n)
		return walletb.Put([]byte(counterKey), next)
	}); err != nil {
		return 0, err
	}
	return first, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}
