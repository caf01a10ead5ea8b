package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"reflect"
	"testing"

	"github.com/routstr/wallet/cashu"
)

var (
	db *BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath, err := os.MkdirTemp("", "testdbbolt")
	if err != nil {
		return 1, err
	}
	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestLedgerVersioning(t *testing.T) {
	record, err := db.GetLedger()
	if err != nil {
		t.Fatalf("error reading ledger: %v", err)
	}
	if len(record.Proofs) != 0 || record.Version != 0 {
		t.Fatalf("expected empty ledger at version 0, got %v proofs at version %v",
			len(record.Proofs), record.Version)
	}

	proofs := generateRandomProofs("00aabbccddeeff11", 10)
	if err := db.PutLedger(proofs, record.Version); err != nil {
		t.Fatalf("error writing ledger: %v", err)
	}

	record, err = db.GetLedger()
	if err != nil {
		t.Fatalf("error reading ledger: %v", err)
	}
	if record.Version != 1 {
		t.Errorf("expected version 1 but got '%v'", record.Version)
	}
	if !reflect.DeepEqual(record.Proofs, proofs) {
		t.Error("proofs from db do not match the ones written")
	}

	// writing under a stale version must fail and leave the ledger untouched
	stale := generateRandomProofs("00aabbccddeeff11", 3)
	if err := db.PutLedger(stale, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected '%v' but got '%v' instead", ErrVersionConflict, err)
	}

	record, err = db.GetLedger()
	if err != nil {
		t.Fatalf("error reading ledger: %v", err)
	}
	if record.Version != 1 || len(record.Proofs) != 10 {
		t.Error("stale write modified the ledger")
	}

	if err := db.PutLedger(cashu.Proofs{}, 1); err != nil {
		t.Fatalf("error writing ledger: %v", err)
	}
	record, _ = db.GetLedger()
	if record.Version != 2 || len(record.Proofs) != 0 {
		t.Error("full-set replace with empty set failed")
	}
}

func TestProviderTokens(t *testing.T) {
	provider := "https://api.provider.test"

	token, err := db.GetProviderToken(provider)
	if err != nil {
		t.Fatalf("error reading token: %v", err)
	}
	if token != "" {
		t.Errorf("expected no token but got '%v'", token)
	}

	if err := db.PutProviderToken(provider, "cashuBtesttoken"); err != nil {
		t.Fatalf("error saving token: %v", err)
	}
	if err := db.PutProviderToken("https://other.test", "cashuBother"); err != nil {
		t.Fatalf("error saving token: %v", err)
	}

	token, _ = db.GetProviderToken(provider)
	if token != "cashuBtesttoken" {
		t.Errorf("expected '%v' but got '%v' instead", "cashuBtesttoken", token)
	}

	tokens, err := db.ProviderTokens()
	if err != nil {
		t.Fatalf("error listing tokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 tokens but got '%v'", len(tokens))
	}

	if err := db.DeleteProviderToken(provider); err != nil {
		t.Fatalf("error deleting token: %v", err)
	}
	token, _ = db.GetProviderToken(provider)
	if token != "" {
		t.Error("token still present after delete")
	}
}

func TestQuotes(t *testing.T) {
	quotes := []Quote{
		{Id: "quote1", Mint: "http://mint.test", PaymentRequest: "lnbc1", Amount: 21, State: "UNPAID"},
		{Id: "quote2", Mint: "http://mint.test", PaymentRequest: "lnbc2", Amount: 42, State: "ISSUED"},
		{Id: "quote3", Mint: "http://mint.test", PaymentRequest: "lnbc3", Amount: 84, State: "PAID"},
	}
	for _, quote := range quotes {
		if err := db.SaveQuote(quote); err != nil {
			t.Fatalf("error saving quote: %v", err)
		}
	}

	quote, err := db.GetQuote("quote2")
	if err != nil {
		t.Fatalf("error reading quote: %v", err)
	}
	if quote == nil || quote.Amount != 42 {
		t.Errorf("expected quote2 with amount 42, got '%v'", quote)
	}

	quote, err = db.GetQuote("nonexistent")
	if err != nil {
		t.Fatalf("error reading quote: %v", err)
	}
	if quote != nil {
		t.Error("expected nil for unknown quote")
	}

	pending, err := db.PendingQuotes()
	if err != nil {
		t.Fatalf("error listing pending quotes: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending quotes but got '%v'", len(pending))
	}
	for _, quote := range pending {
		if quote.State == "ISSUED" {
			t.Error("issued quote listed as pending")
		}
	}
}

func TestMnemonicAndCounter(t *testing.T) {
	mnemonic, err := db.GetMnemonic()
	if err != nil {
		t.Fatalf("error reading mnemonic: %v", err)
	}
	if mnemonic != "" {
		t.Errorf("expected no mnemonic but got '%v'", mnemonic)
	}

	want := "rail feed bitter warm tourist spoil parent history quiz basket unusual scheme"
	if err := db.SaveMnemonic(want); err != nil {
		t.Fatalf("error saving mnemonic: %v", err)
	}
	mnemonic, _ = db.GetMnemonic()
	if mnemonic != want {
		t.Errorf("expected '%v' but got '%v' instead", want, mnemonic)
	}

	first, err := db.ReserveCounter(3)
	if err != nil {
		t.Fatalf("error reserving counter: %v", err)
	}
	if first != 0 {
		t.Errorf("expected counter to start at 0 but got '%v'", first)
	}

	next, err := db.ReserveCounter(1)
	if err != nil {
		t.Fatalf("error reserving counter: %v", err)
	}
	if next != 3 {
		t.Errorf("expected counter '%v' but got '%v' instead", 3, next)
	}
}

func generateRandomProofs(keysetId string, num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)

	for i := 0; i < num; i++ {
		secretBytes := make([]byte, 32)
		rand.Read(secretBytes)

		proofs[i] = cashu.Proof{
			Amount: 1,
			Id:     keysetId,
			Secret: hex.EncodeToString(secretBytes),
			C:      hex.EncodeToString(secretBytes),
		}
	}

	return proofs
}
