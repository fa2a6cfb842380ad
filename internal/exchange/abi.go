package exchange

import (
	"bytes"
	"embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abi/*.json
var abiFS embed.FS

// Contract interface descriptors for the V2-style exchange.
var (
	FactoryABI = mustLoadABI("abi/UniswapV2Factory.json")
	PairABI    = mustLoadABI("abi/UniswapV2Pair.json")
	RouterABI  = mustLoadABI("abi/UniswapV2Router02.json")
)

// MaxUint256 is the maximum uint256 value (used for approvals).
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustLoadABI(name string) abi.ABI {
	data, err := abiFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("read %s: %v", name, err))
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	return parsed
}

// SortTokens returns tokens in the pair contract's token0/token1 order.
func SortTokens(tokenA, tokenB common.Address) (common.Address, common.Address) {
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) < 0 {
		return tokenA, tokenB
	}
	return tokenB, tokenA
}

// EncodeGetPair encodes factory.getPair(address,address).
func EncodeGetPair(tokenA, tokenB common.Address) ([]byte, error) {
	return FactoryABI.Pack("getPair", tokenA, tokenB)
}

// EncodeGetReserves encodes pair.getReserves().
func EncodeGetReserves() ([]byte, error) {
	return PairABI.Pack("getReserves")
}

// EncodeBalanceOf encodes ERC20.balanceOf(address).
func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	return PairABI.Pack("balanceOf", owner)
}

// EncodeAllowance encodes ERC20.allowance(address,address).
func EncodeAllowance(owner, spender common.Address) ([]byte, error) {
	return PairABI.Pack("allowance", owner, spender)
}

// EncodeApprove encodes ERC20.approve(address,uint256).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return PairABI.Pack("approve", spender, amount)
}

// EncodeSwapExactTokensForTokens encodes router.swapExactTokensForTokens.
func EncodeSwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return RouterABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}

// DecodeAddress unpacks a single address return value.
func DecodeAddress(contract abi.ABI, method string, out []byte) (common.Address, error) {
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return addr, nil
}

// DecodeUint256 unpacks a single uint256 return value.
func DecodeUint256(contract abi.ABI, method string, out []byte) (*big.Int, error) {
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// DecodeReserves unpacks pair.getReserves() into reserve0 and reserve1.
func DecodeReserves(out []byte) (*big.Int, *big.Int, error) {
	vals, err := PairABI.Unpack("getReserves", out)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	if len(vals) != 3 {
		return nil, nil, fmt.Errorf("unpack getReserves: got %d values", len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("unpack getReserves: unexpected types %T, %T", vals[0], vals[1])
	}
	return r0, r1, nil
}
