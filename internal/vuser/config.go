package vuser

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Defaults for the swap task.
const (
	DefaultSwapDeadline   = 5 * time.Minute
	DefaultConfirmTimeout = 2 * time.Minute

	DefaultTransferWeight = 1
	DefaultSwapWeight     = 2
)

var (
	// DefaultSwapAmountMin is 0.001 ether.
	DefaultSwapAmountMin = big.NewInt(1_000_000_000_000_000)
	// DefaultSwapAmountMax is 0.005 ether.
	DefaultSwapAmountMax = big.NewInt(5_000_000_000_000_000)
)

// Pair is one token pair to swap, A for B.
type Pair struct {
	SymbolA string
	SymbolB string
	TokenA  common.Address
	TokenB  common.Address
}

// Weights sets the relative frequency of each task. Zero disables a task.
type Weights struct {
	Transfer int
	Swap     int
}

// Config is shared by every user of a run and must not be mutated after New.
type Config struct {
	// TokenName is the native token symbol used in task names.
	TokenName string

	GasPrice     *big.Int // wei
	BaseGasLimit uint64   // native transfers
	SwapGasLimit uint64   // swaps and approvals

	Pairs []Pair

	// SwapMinOut is the minimum output accepted by swaps. Zero accepts any
	// price, which is only acceptable on a test network.
	SwapMinOut    *big.Int
	SwapAmountMin *big.Int
	SwapAmountMax *big.Int
	SwapDeadline  time.Duration
	// AutoApprove sends approve(router, max) before a swap when the router's
	// allowance is below the swap amount.
	AutoApprove bool

	ConfirmTimeout time.Duration
	Weights        Weights
}

// WithDefaults returns c with unset optional fields filled.
func (c Config) WithDefaults() Config {
	if c.SwapMinOut == nil {
		c.SwapMinOut = new(big.Int)
	}
	if c.SwapAmountMin == nil {
		c.SwapAmountMin = DefaultSwapAmountMin
	}
	if c.SwapAmountMax == nil {
		c.SwapAmountMax = DefaultSwapAmountMax
	}
	if c.SwapDeadline <= 0 {
		c.SwapDeadline = DefaultSwapDeadline
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.TokenName == "" {
		c.TokenName = "ETH"
	}
	return c
}

// Validate checks the config after defaults are applied.
func (c Config) Validate() error {
	if c.GasPrice == nil || c.GasPrice.Sign() <= 0 {
		return errors.New("gas price must be positive")
	}
	if c.Weights.Transfer < 0 || c.Weights.Swap < 0 {
		return errors.New("task weights must not be negative")
	}
	if c.Weights.Transfer+c.Weights.Swap == 0 {
		return errors.New("at least one task weight must be positive")
	}
	if c.Weights.Transfer > 0 && c.BaseGasLimit == 0 {
		return errors.New("base gas limit must be positive")
	}
	if c.Weights.Swap > 0 {
		if c.SwapGasLimit == 0 {
			return errors.New("swap gas limit must be positive")
		}
		if len(c.Pairs) == 0 {
			return errors.New("swap task enabled but no pairs configured")
		}
	}
	if c.SwapAmountMin.Sign() <= 0 || c.SwapAmountMax.Cmp(c.SwapAmountMin) < 0 {
		return fmt.Errorf("swap amount range [%s, %s] is invalid", c.SwapAmountMin, c.SwapAmountMax)
	}
	if !new(big.Int).Sub(c.SwapAmountMax, c.SwapAmountMin).IsUint64() {
		return errors.New("swap amount range is too wide")
	}
	if c.SwapMinOut.Sign() < 0 {
		return errors.New("swap minimum output must not be negative")
	}
	for i, p := range c.Pairs {
		if p.TokenA == (common.Address{}) || p.TokenB == (common.Address{}) {
			return fmt.Errorf("pair %d (%s/%s) has a zero token address", i, p.SymbolA, p.SymbolB)
		}
		if p.TokenA == p.TokenB {
			return fmt.Errorf("pair %d swaps %s for itself", i, p.SymbolA)
		}
	}
	return nil
}
