package wallet

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known development keys (Anvil/Hardhat default accounts).
var testKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
}

func mustWallets(t *testing.T, n int) []*Wallet {
	t.Helper()
	out := make([]*Wallet, n)
	for i := range n {
		w, err := FromHex(testKeys[i])
		if err != nil {
			t.Fatalf("FromHex() error = %v", err)
		}
		out[i] = w
	}
	return out
}

func TestFromHex(t *testing.T) {
	w, err := FromHex("0x" + testKeys[0])
	if err != nil {
		t.Fatalf("FromHex() error = %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if w.Address != want {
		t.Errorf("Address = %s, want %s", w.Address.Hex(), want.Hex())
	}

	_, err = FromHex("zz")
	if err == nil {
		t.Fatal("FromHex(zz) error = nil")
	}
	if strings.Contains(err.Error(), "zz") {
		t.Errorf("error %q echoes key material", err)
	}
}

func TestWallet_StringHidesKey(t *testing.T) {
	w := mustWallets(t, 1)[0]
	if got := w.String(); got != w.Address.Hex() {
		t.Errorf("String() = %q, want address", got)
	}
	if got := w.LogValue().String(); strings.Contains(got, testKeys[0]) {
		t.Errorf("LogValue() leaks key: %q", got)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wallets.json")
	wallets := mustWallets(t, 3)

	if err := Save(path, wallets); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(loaded) != len(wallets) {
		t.Fatalf("LoadFile() returned %d wallets, want %d", len(loaded), len(wallets))
	}
	for i := range wallets {
		if loaded[i].Address != wallets[i].Address {
			t.Errorf("wallet %d address = %s, want %s", i, loaded[i].Address.Hex(), wallets[i].Address.Hex())
		}
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"empty list", "[]"},
		{"bad key", `[{"address":"","private_key":"nothex"}]`},
		{"address mismatch", `[{"address":"0x0000000000000000000000000000000000000001","private_key":"` + testKeys[0] + `"}]`},
		{"bad address", `[{"address":"0x12","private_key":"` + testKeys[0] + `"}]`},
		{"duplicate", `[{"address":"","private_key":"` + testKeys[0] + `"},{"address":"","private_key":"` + testKeys[0] + `"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wallets.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Error("LoadFile() error = nil, want error")
			}
		})
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}
}

func TestGenerate(t *testing.T) {
	var progress atomic.Int32
	wallets, err := Generate(40, func() { progress.Add(1) })
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(wallets) != 40 {
		t.Fatalf("Generate() returned %d wallets, want 40", len(wallets))
	}
	if progress.Load() != 40 {
		t.Errorf("progress called %d times, want 40", progress.Load())
	}
	seen := make(map[common.Address]bool)
	for i, w := range wallets {
		if w == nil {
			t.Fatalf("wallet %d is nil", i)
		}
		if seen[w.Address] {
			t.Errorf("duplicate address %s", w.Address.Hex())
		}
		seen[w.Address] = true
	}

	if _, err := Generate(0, nil); err == nil {
		t.Error("Generate(0) error = nil")
	}
}

func TestNonceSequence(t *testing.T) {
	seq := NewNonceSequence(100)

	n1 := seq.Reserve()
	if n1.Value() != 100 {
		t.Errorf("Reserve() = %d, want 100", n1.Value())
	}
	n1.Commit()

	n2 := seq.Reserve()
	n2.Rollback()
	if got := seq.Peek(); got != 101 {
		t.Errorf("after rollback Peek() = %d, want 101", got)
	}

	// Commit after rollback is a no-op; rollback after commit too.
	n3 := seq.Reserve()
	n3.Commit()
	n3.Rollback()
	if got := seq.Peek(); got != 102 {
		t.Errorf("Peek() = %d, want 102", got)
	}

	seq.Resync(90)
	if got := seq.Peek(); got != 102 {
		t.Errorf("Resync(lower) moved sequence to %d", got)
	}
	seq.Resync(110)
	if got := seq.Peek(); got != 110 {
		t.Errorf("Resync(110) Peek() = %d, want 110", got)
	}
}

func TestNonceSequence_OutOfOrderRollback(t *testing.T) {
	seq := NewNonceSequence(0)
	a := seq.Reserve()
	b := seq.Reserve()

	// Rolling back a nonce that is not the latest must not rewind.
	a.Rollback()
	if got := seq.Peek(); got != 2 {
		t.Errorf("Peek() = %d, want 2", got)
	}
	b.Rollback()
	if got := seq.Peek(); got != 1 {
		t.Errorf("Peek() = %d, want 1", got)
	}
}

func TestNonceSequence_Concurrent(t *testing.T) {
	seq := NewNonceSequence(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := seq.Reserve()
			n.Commit()
			mu.Lock()
			seen[n.Value()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("got %d unique nonces, want 50", len(seen))
	}
}
