package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Decimal places of the native token and of gwei.
const (
	EtherDecimals = 18
	GweiDecimals  = 9
)

// ToWei converts a decimal amount with the given number of decimals into base units.
// Fractions below one base unit are truncated.
func ToWei(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromWei converts base units into a decimal amount with the given number of decimals.
func FromWei(wei *big.Int, decimals int32) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -decimals)
}

// EtherToWei converts whole-token units to base units.
func EtherToWei(ether decimal.Decimal) *big.Int {
	return ToWei(ether, EtherDecimals)
}

// GweiToWei converts a gwei gas price to base units.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return ToWei(gwei, GweiDecimals)
}

// ParseEther parses a decimal string such as "0.5" into base units.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return EtherToWei(d), nil
}

// FormatEther renders base units as a whole-token decimal string.
func FormatEther(wei *big.Int) string {
	return FromWei(wei, EtherDecimals).String()
}

// IsAddress reports whether s is a 20-byte hex address with or without 0x prefix.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Checksum returns the EIP-55 checksummed form of a hex address.
func Checksum(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// GasCost returns gasPrice * gasLimit.
func GasCost(gasPrice *big.Int, gasLimit uint64) *big.Int {
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
}
