// Package wallet loads, generates and funds the fixed set of wallets the
// load users sign with.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
)

// Wallet is an address and the key that controls it. Immutable once loaded.
type Wallet struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// New creates a wallet from a private key.
func New(privateKey *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// FromHex creates a wallet from a hex-encoded private key, with or without 0x.
func FromHex(hexKey string) (*Wallet, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.New("invalid private key")
	}
	return New(privateKey), nil
}

// Signer returns a ledger signer backed by this wallet's key.
func (w *Wallet) Signer() ledger.Signer {
	return ledger.NewKeySigner(w.PrivateKey)
}

// String renders the address only.
func (w *Wallet) String() string { return w.Address.Hex() }

// LogValue keeps the key out of structured logs.
func (w *Wallet) LogValue() slog.Value { return slog.StringValue(w.Address.Hex()) }

// fileEntry is one record of the wallets file.
type fileEntry struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// LoadFile reads a JSON array of {address, private_key} records. Every record
// must have a valid key whose derived address matches the stored one.
func LoadFile(path string) ([]*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallets file: %w", err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse wallets file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("wallets file %s is empty", path)
	}

	wallets := make([]*Wallet, 0, len(entries))
	seen := make(map[common.Address]struct{}, len(entries))
	for i, e := range entries {
		w, err := FromHex(e.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet %d: %w", i, err)
		}
		if e.Address != "" {
			if !common.IsHexAddress(e.Address) {
				return nil, fmt.Errorf("wallet %d: invalid address %q", i, e.Address)
			}
			if common.HexToAddress(e.Address) != w.Address {
				return nil, fmt.Errorf("wallet %d: address %s does not match key", i, e.Address)
			}
		}
		if _, dup := seen[w.Address]; dup {
			return nil, fmt.Errorf("wallet %d: duplicate address %s", i, w.Address.Hex())
		}
		seen[w.Address] = struct{}{}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// Save writes wallets to path as indented JSON with mode 0600.
func Save(path string, wallets []*Wallet) error {
	entries := make([]fileEntry, len(wallets))
	for i, w := range wallets {
		entries[i] = fileEntry{
			Address:    w.Address.Hex(),
			PrivateKey: "0x" + hex.EncodeToString(crypto.FromECDSA(w.PrivateKey)),
		}
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("encode wallets: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write wallets file: %w", err)
	}
	return nil
}

// Generate creates count fresh wallets using parallel key generation.
// onProgress, if non-nil, is called once per generated wallet from worker goroutines.
func Generate(count int, onProgress func()) ([]*Wallet, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	wallets := make([]*Wallet, count)
	numWorkers := min(runtime.GOMAXPROCS(0), 16)

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)
	workSize := (count + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * workSize
		end := min(start+workSize, count)
		if start >= count {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				privateKey, err := crypto.GenerateKey()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("key %d: %w", i, err):
					default:
					}
					return
				}
				wallets[i] = New(privateKey)
				if onProgress != nil {
					onProgress()
				}
			}
		}(start, end)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return wallets, nil
}
