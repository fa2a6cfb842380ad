package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/vuser"
)

// Reserved contract keys. Every other key under contracts is a token alias.
const (
	ContractFactory = "factory"
	ContractRouter  = "router"
)

// ErrInvalidFile wraps every validation failure of a config file.
var ErrInvalidFile = errors.New("invalid config file")

// File is the chain, contract and gas configuration shared by every user.
type File struct {
	Network      Network           `json:"network" toml:"network" yaml:"network"`
	Contracts    map[string]string `json:"contracts" toml:"contracts" yaml:"contracts"`
	Transactions Transactions      `json:"transactions" toml:"transactions" yaml:"transactions"`
	// PairsToSwap lists [A, B] alias pairs, swapped A for B in order.
	PairsToSwap [][]string `json:"pairs_to_swap" toml:"pairs_to_swap" yaml:"pairs_to_swap"`
}

// Network identifies the node under test.
type Network struct {
	RPCURL    string `json:"rpc_url" toml:"rpc_url" yaml:"rpc_url"`
	ChainID   int64  `json:"chain_id" toml:"chain_id" yaml:"chain_id"`
	TokenName string `json:"token_name" toml:"token_name" yaml:"token_name"`
}

// Transactions holds gas and swap parameters.
type Transactions struct {
	GasPrice     decimal.Decimal `json:"gas_price" toml:"gas_price" yaml:"gas_price"` // gwei
	BaseGasLimit uint64          `json:"base_gas_limit" toml:"base_gas_limit" yaml:"base_gas_limit"`
	SwapGasLimit uint64          `json:"swap_gas_limit" toml:"swap_gas_limit" yaml:"swap_gas_limit"`

	AutoApprove bool `json:"auto_approve" toml:"auto_approve" yaml:"auto_approve"`
	// SwapMinOut is the minimum swap output in base units. Empty accepts any price.
	SwapMinOut string `json:"swap_min_out" toml:"swap_min_out" yaml:"swap_min_out"`
	// Swap input range in whole tokens. Zero keeps the defaults.
	SwapAmountMin decimal.Decimal `json:"swap_amount_min" toml:"swap_amount_min" yaml:"swap_amount_min"`
	SwapAmountMax decimal.Decimal `json:"swap_amount_max" toml:"swap_amount_max" yaml:"swap_amount_max"`
	// ConfirmTimeoutSec overrides the receipt wait when positive.
	ConfirmTimeoutSec int `json:"confirm_timeout_sec" toml:"confirm_timeout_sec" yaml:"confirm_timeout_sec"`
}

// LoadFile reads and validates a config file. The decoder is picked by
// extension: .toml, .yaml or .yml, anything else is read as JSON.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Validate checks that the file describes a usable network.
func (f *File) Validate() error {
	if f.Network.RPCURL == "" {
		return fmt.Errorf("%w: network.rpc_url is required", ErrInvalidFile)
	}
	if u, err := url.Parse(f.Network.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: network.rpc_url %q is not a URL", ErrInvalidFile, f.Network.RPCURL)
	}
	if f.Network.ChainID <= 0 {
		return fmt.Errorf("%w: network.chain_id must be positive", ErrInvalidFile)
	}

	for key, addr := range f.Contracts {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: contracts.%s %q is not a hex address", ErrInvalidFile, key, addr)
		}
	}

	tx := f.Transactions
	if !tx.GasPrice.IsPositive() {
		return fmt.Errorf("%w: transactions.gas_price must be positive", ErrInvalidFile)
	}
	if ledger.GweiToWei(tx.GasPrice).Sign() <= 0 {
		return fmt.Errorf("%w: transactions.gas_price is below 1 wei", ErrInvalidFile)
	}
	if tx.BaseGasLimit == 0 {
		return fmt.Errorf("%w: transactions.base_gas_limit must be positive", ErrInvalidFile)
	}
	if tx.SwapMinOut != "" {
		if v, ok := new(big.Int).SetString(tx.SwapMinOut, 10); !ok || v.Sign() < 0 {
			return fmt.Errorf("%w: transactions.swap_min_out %q is not a non-negative integer", ErrInvalidFile, tx.SwapMinOut)
		}
	}
	if tx.SwapAmountMin.IsNegative() || tx.SwapAmountMax.IsNegative() {
		return fmt.Errorf("%w: swap amounts cannot be negative", ErrInvalidFile)
	}

	if len(f.PairsToSwap) > 0 {
		if tx.SwapGasLimit == 0 {
			return fmt.Errorf("%w: transactions.swap_gas_limit must be positive", ErrInvalidFile)
		}
		for _, key := range []string{ContractFactory, ContractRouter} {
			if _, ok := f.Contracts[key]; !ok {
				return fmt.Errorf("%w: contracts.%s is required to swap", ErrInvalidFile, key)
			}
		}
	}
	for i, pair := range f.PairsToSwap {
		if len(pair) != 2 {
			return fmt.Errorf("%w: pairs_to_swap[%d] must name exactly two tokens", ErrInvalidFile, i)
		}
		for _, alias := range pair {
			if alias == ContractFactory || alias == ContractRouter {
				return fmt.Errorf("%w: pairs_to_swap[%d] names %q, which is not a token", ErrInvalidFile, i, alias)
			}
			if _, ok := f.Contracts[alias]; !ok {
				return fmt.Errorf("%w: pairs_to_swap[%d] names unknown token %q", ErrInvalidFile, i, alias)
			}
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("%w: pairs_to_swap[%d] swaps %s for itself", ErrInvalidFile, i, pair[0])
		}
	}
	return nil
}

// ChainID returns the network chain id.
func (f *File) ChainID() *big.Int {
	return big.NewInt(f.Network.ChainID)
}

// TokenName returns the native token symbol, ETH when unset.
func (f *File) TokenName() string {
	if f.Network.TokenName == "" {
		return "ETH"
	}
	return f.Network.TokenName
}

// Contract returns the address configured under key, or the zero address.
func (f *File) Contract(key string) common.Address {
	addr, ok := f.Contracts[key]
	if !ok {
		return common.Address{}
	}
	return common.HexToAddress(addr)
}

// Pairs resolves pairs_to_swap aliases to token addresses.
func (f *File) Pairs() []vuser.Pair {
	pairs := make([]vuser.Pair, 0, len(f.PairsToSwap))
	for _, p := range f.PairsToSwap {
		pairs = append(pairs, vuser.Pair{
			SymbolA: p[0],
			SymbolB: p[1],
			TokenA:  f.Contract(p[0]),
			TokenB:  f.Contract(p[1]),
		})
	}
	return pairs
}

// UserConfig builds the shared virtual user config. Weights and the
// confirmation timeout come from the runtime config.
func (f *File) UserConfig(weights vuser.Weights, confirmTimeout time.Duration) vuser.Config {
	tx := f.Transactions
	cfg := vuser.Config{
		TokenName:      f.TokenName(),
		GasPrice:       ledger.GweiToWei(tx.GasPrice),
		BaseGasLimit:   tx.BaseGasLimit,
		SwapGasLimit:   tx.SwapGasLimit,
		Pairs:          f.Pairs(),
		AutoApprove:    tx.AutoApprove,
		ConfirmTimeout: confirmTimeout,
		Weights:        weights,
	}
	if tx.ConfirmTimeoutSec > 0 {
		cfg.ConfirmTimeout = time.Duration(tx.ConfirmTimeoutSec) * time.Second
	}
	if tx.SwapMinOut != "" {
		cfg.SwapMinOut, _ = new(big.Int).SetString(tx.SwapMinOut, 10)
	}
	if tx.SwapAmountMin.IsPositive() {
		cfg.SwapAmountMin = ledger.EtherToWei(tx.SwapAmountMin)
	}
	if tx.SwapAmountMax.IsPositive() {
		cfg.SwapAmountMax = ledger.EtherToWei(tx.SwapAmountMax)
	}
	return cfg.WithDefaults()
}

// SwapsUnprotected reports whether swaps accept any output amount.
func (f *File) SwapsUnprotected() bool {
	if len(f.PairsToSwap) == 0 {
		return false
	}
	v, ok := new(big.Int).SetString(f.Transactions.SwapMinOut, 10)
	return !ok || v.Sign() == 0
}
