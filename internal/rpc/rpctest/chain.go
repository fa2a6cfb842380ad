// Package rpctest provides an in-process JSON-RPC node for tests. It keeps
// native balances and nonces, mines every accepted transaction immediately and
// models a V2-style exchange: a factory, pairs with reserves, ERC-20 balances
// and allowances, and a router that swaps with the 0.3% fee.
package rpctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/evmloadtest/internal/exchange"
)

// Gas charged per transaction kind.
const (
	TransferGas = 21000
	CallGas     = 90000
)

// DefaultGasPrice is what eth_gasPrice answers: 1 gwei.
var DefaultGasPrice = big.NewInt(1_000_000_000)

var errRevert = errors.New("execution reverted")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type pair struct {
	token0, token1     common.Address
	reserve0, reserve1 *big.Int
}

type receipt struct {
	hash     common.Hash
	status   uint64
	gasUsed  uint64
	block    uint64
	gasPrice *big.Int
}

// Chain is a fake node. Create it with New and close it with Close.
type Chain struct {
	srv     *httptest.Server
	chainID *big.Int
	signer  types.Signer

	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*receipt
	block     uint64
	sent      int
	failures  map[string]string
	calls     map[string]int
	posts     int
	factory   common.Address
	router    common.Address
	pairs     map[common.Address]*pair
	tokens    map[common.Address]map[common.Address]*big.Int                    // token -> owner -> balance
	allowance map[common.Address]map[common.Address]map[common.Address]*big.Int // token -> owner -> spender
}

// New starts a fake node for chainID.
func New(chainID int64) *Chain {
	c := &Chain{
		chainID:   big.NewInt(chainID),
		signer:    types.LatestSignerForChainID(big.NewInt(chainID)),
		balances:  make(map[common.Address]*big.Int),
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*receipt),
		failures:  make(map[string]string),
		calls:     make(map[string]int),
		pairs:     make(map[common.Address]*pair),
		tokens:    make(map[common.Address]map[common.Address]*big.Int),
		allowance: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
	}
	c.srv = httptest.NewServer(http.HandlerFunc(c.serveHTTP))
	return c
}

// URL returns the node's HTTP endpoint.
func (c *Chain) URL() string { return c.srv.URL }

// Close shuts the node down.
func (c *Chain) Close() { c.srv.Close() }

// SetBalance sets addr's native balance.
func (c *Chain) SetBalance(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(wei)
}

// Balance returns addr's native balance.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceOf(addr))
}

// Nonce returns the next nonce of addr.
func (c *Chain) Nonce(addr common.Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr]
}

// Sent returns how many transactions were accepted.
func (c *Chain) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Calls returns how many times method was requested.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Requests returns how many HTTP requests reached the node. A batch counts once.
func (c *Chain) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts
}

// Fail makes every call of method answer with a JSON-RPC error. An empty
// message clears the failure.
func (c *Chain) Fail(method, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if message == "" {
		delete(c.failures, method)
		return
	}
	c.failures[method] = message
}

// DeployExchange sets the factory and router addresses.
func (c *Chain) DeployExchange(factory, router common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factory, c.router = factory, router
}

// SetTokenBalance sets owner's balance of token.
func (c *Chain) SetTokenBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenBalances(token)[owner] = new(big.Int).Set(amount)
}

// TokenBalance returns owner's balance of token.
func (c *Chain) TokenBalance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.tokenBalanceOf(token, owner))
}

// Allowance returns how much spender may move of owner's token.
func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.allowanceOf(token, owner, spender))
}

// AddPair registers a pool for tokenA/tokenB with the given reserves.
func (c *Chain) AddPair(addr, tokenA, tokenB common.Address, reserveA, reserveB *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &pair{token0: tokenA, token1: tokenB, reserve0: new(big.Int).Set(reserveA), reserve1: new(big.Int).Set(reserveB)}
	if t0, _ := exchange.SortTokens(tokenA, tokenB); t0 != tokenA {
		p.token0, p.token1 = tokenB, tokenA
		p.reserve0, p.reserve1 = p.reserve1, p.reserve0
	}
	c.pairs[addr] = p
}

// Reserves returns the pool reserves in tokenA/tokenB order.
func (c *Chain) Reserves(pool, tokenA common.Address) (*big.Int, *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pairs[pool]
	if p == nil {
		return nil, nil
	}
	if p.token0 == tokenA {
		return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
	}
	return new(big.Int).Set(p.reserve1), new(big.Int).Set(p.reserve0)
}

func (c *Chain) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	c.mu.Lock()
	c.posts++
	c.mu.Unlock()

	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		var reqs []request
		if err := json.Unmarshal(body, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resps := make([]response, len(reqs))
		for i, req := range reqs {
			resps[i] = c.handle(req)
		}
		_ = json.NewEncoder(w).Encode(resps)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(c.handle(req))
}

func (c *Chain) handle(req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	result, err := c.dispatch(req)
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

func (c *Chain) dispatch(req request) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[req.Method]++
	if msg, ok := c.failures[req.Method]; ok {
		return nil, errors.New(msg)
	}

	switch req.Method {
	case "eth_chainId":
		return hexutil.EncodeBig(c.chainID), nil
	case "eth_gasPrice":
		return hexutil.EncodeBig(DefaultGasPrice), nil
	case "eth_blockNumber":
		return hexutil.EncodeUint64(c.block), nil
	case "eth_getBalance":
		addr, err := addressParam(req.Params, 0)
		if err != nil {
			return nil, err
		}
		return hexutil.EncodeBig(c.balanceOf(addr)), nil
	case "eth_getTransactionCount":
		addr, err := addressParam(req.Params, 0)
		if err != nil {
			return nil, err
		}
		return hexutil.EncodeUint64(c.nonces[addr]), nil
	case "eth_sendRawTransaction":
		return c.sendRaw(req.Params)
	case "eth_getTransactionReceipt":
		var hash string
		if err := param(req.Params, 0, &hash); err != nil {
			return nil, err
		}
		rcpt, ok := c.receipts[common.HexToHash(hash)]
		if !ok {
			return nil, nil
		}
		return map[string]any{
			"transactionHash":   rcpt.hash.Hex(),
			"status":            hexutil.EncodeUint64(rcpt.status),
			"gasUsed":           hexutil.EncodeUint64(rcpt.gasUsed),
			"blockNumber":       hexutil.EncodeUint64(rcpt.block),
			"effectiveGasPrice": hexutil.EncodeBig(rcpt.gasPrice),
			"contractAddress":   nil,
			"logs":              []any{},
		}, nil
	case "eth_call":
		var call struct {
			From string `json:"from"`
			To   string `json:"to"`
			Data string `json:"data"`
		}
		if err := param(req.Params, 0, &call); err != nil {
			return nil, err
		}
		data, err := hexutil.Decode(call.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid call data: %w", err)
		}
		out, err := c.call(common.HexToAddress(call.To), data)
		if err != nil {
			return nil, err
		}
		return hexutil.Encode(out), nil
	default:
		return nil, fmt.Errorf("method %s not supported", req.Method)
	}
}

func (c *Chain) sendRaw(params []json.RawMessage) (any, error) {
	var raw string
	if err := param(params, 0, &raw); err != nil {
		return nil, err
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("rlp: %w", err)
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	switch next := c.nonces[from]; {
	case tx.Nonce() < next:
		return nil, fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", next, tx.Nonce())
	case tx.Nonce() > next:
		return nil, fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", next, tx.Nonce())
	}
	if tx.Gas() < TransferGas {
		return nil, fmt.Errorf("intrinsic gas too low: have %d, want %d", tx.Gas(), TransferGas)
	}
	upfront := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas()))
	upfront.Add(upfront, tx.Value())
	if c.balanceOf(from).Cmp(upfront) < 0 {
		return nil, fmt.Errorf("insufficient funds for gas * price + value: have %s want %s", c.balanceOf(from), upfront)
	}

	gasUsed := uint64(TransferGas)
	if len(tx.Data()) > 0 {
		gasUsed = min(tx.Gas(), CallGas)
	}
	status := uint64(1)
	if execErr := c.execute(from, tx); execErr != nil {
		status = 0
	} else if tx.Value().Sign() > 0 {
		c.balances[from] = new(big.Int).Sub(c.balanceOf(from), tx.Value())
		c.balances[*tx.To()] = new(big.Int).Add(c.balanceOf(*tx.To()), tx.Value())
	}
	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(gasUsed))
	c.balances[from] = new(big.Int).Sub(c.balanceOf(from), fee)
	c.nonces[from]++
	c.block++
	c.sent++
	c.receipts[tx.Hash()] = &receipt{
		hash:     tx.Hash(),
		status:   status,
		gasUsed:  gasUsed,
		block:    c.block,
		gasPrice: new(big.Int).Set(tx.GasPrice()),
	}
	return tx.Hash().Hex(), nil
}

// execute applies contract calls. An error reverts the call but still
// consumes gas and the nonce.
func (c *Chain) execute(from common.Address, tx *types.Transaction) error {
	data := tx.Data()
	if len(data) == 0 {
		return nil
	}
	to := *tx.To()
	switch {
	case to == c.router && c.router != (common.Address{}):
		args, err := unpack(exchange.RouterABI, "swapExactTokensForTokens", data)
		if err != nil {
			return err
		}
		return c.swap(from, args)
	case c.isToken(to):
		args, err := unpack(exchange.PairABI, "approve", data)
		if err != nil {
			return err
		}
		spender := args[0].(common.Address)
		c.allowances(to, from)[spender] = new(big.Int).Set(args[1].(*big.Int))
		return nil
	default:
		return errRevert
	}
}

func (c *Chain) swap(from common.Address, args []any) error {
	amountIn := args[0].(*big.Int)
	minOut := args[1].(*big.Int)
	path := args[2].([]common.Address)
	to := args[3].(common.Address)
	deadline := args[4].(*big.Int)

	if len(path) != 2 || deadline.Int64() < time.Now().Unix() {
		return errRevert
	}
	tokenIn, tokenOut := path[0], path[1]
	var p *pair
	for _, candidate := range c.pairs {
		if (candidate.token0 == tokenIn && candidate.token1 == tokenOut) ||
			(candidate.token0 == tokenOut && candidate.token1 == tokenIn) {
			p = candidate
			break
		}
	}
	if p == nil {
		return errRevert
	}
	if c.tokenBalanceOf(tokenIn, from).Cmp(amountIn) < 0 {
		return errRevert
	}
	allowed := c.allowanceOf(tokenIn, from, c.router)
	if allowed.Cmp(amountIn) < 0 {
		return errRevert
	}

	reserveIn, reserveOut := p.reserve0, p.reserve1
	if p.token0 != tokenIn {
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}
	out := AmountOut(amountIn, reserveIn, reserveOut)
	if out.Sign() == 0 || out.Cmp(minOut) < 0 {
		return errRevert
	}

	if allowed.Cmp(exchange.MaxUint256) != 0 {
		c.allowances(tokenIn, from)[c.router] = new(big.Int).Sub(allowed, amountIn)
	}
	c.tokenBalances(tokenIn)[from] = new(big.Int).Sub(c.tokenBalanceOf(tokenIn, from), amountIn)
	c.tokenBalances(tokenOut)[to] = new(big.Int).Add(c.tokenBalanceOf(tokenOut, to), out)

	newIn := new(big.Int).Add(reserveIn, amountIn)
	newOut := new(big.Int).Sub(reserveOut, out)
	if p.token0 == tokenIn {
		p.reserve0, p.reserve1 = newIn, newOut
	} else {
		p.reserve0, p.reserve1 = newOut, newIn
	}
	return nil
}

// AmountOut is the V2 constant-product output with a 0.3% fee.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(997))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(1000))
	den.Add(den, inWithFee)
	return num.Div(num, den)
}

func (c *Chain) call(to common.Address, data []byte) ([]byte, error) {
	switch {
	case to == c.factory && c.factory != (common.Address{}):
		args, err := unpack(exchange.FactoryABI, "getPair", data)
		if err != nil {
			return nil, err
		}
		a, b := args[0].(common.Address), args[1].(common.Address)
		for addr, p := range c.pairs {
			if (p.token0 == a && p.token1 == b) || (p.token0 == b && p.token1 == a) {
				return exchange.FactoryABI.Methods["getPair"].Outputs.Pack(addr)
			}
		}
		return exchange.FactoryABI.Methods["getPair"].Outputs.Pack(common.Address{})
	case c.pairs[to] != nil:
		p := c.pairs[to]
		return exchange.PairABI.Methods["getReserves"].Outputs.Pack(p.reserve0, p.reserve1, uint32(time.Now().Unix()))
	case c.isToken(to):
		method, err := exchange.PairABI.MethodById(data)
		if err != nil {
			return nil, errRevert
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, errRevert
		}
		switch method.Name {
		case "balanceOf":
			return method.Outputs.Pack(c.tokenBalanceOf(to, args[0].(common.Address)))
		case "allowance":
			return method.Outputs.Pack(c.allowanceOf(to, args[0].(common.Address), args[1].(common.Address)))
		}
		return nil, errRevert
	default:
		// Calls to addresses without code return empty data.
		return nil, nil
	}
}

func (c *Chain) isToken(addr common.Address) bool {
	if _, ok := c.tokens[addr]; ok {
		return true
	}
	for _, p := range c.pairs {
		if p.token0 == addr || p.token1 == addr {
			return true
		}
	}
	return false
}

func (c *Chain) balanceOf(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) tokenBalances(token common.Address) map[common.Address]*big.Int {
	m, ok := c.tokens[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		c.tokens[token] = m
	}
	return m
}

func (c *Chain) tokenBalanceOf(token, owner common.Address) *big.Int {
	if b, ok := c.tokens[token][owner]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) allowances(token, owner common.Address) map[common.Address]*big.Int {
	byOwner, ok := c.allowance[token]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]*big.Int)
		c.allowance[token] = byOwner
	}
	m, ok := byOwner[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		byOwner[owner] = m
	}
	return m
}

func (c *Chain) allowanceOf(token, owner, spender common.Address) *big.Int {
	if a, ok := c.allowance[token][owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func unpack(contract abi.ABI, name string, data []byte) ([]any, error) {
	method, ok := contract.Methods[name]
	if !ok || len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, errRevert
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, errRevert
	}
	return args, nil
}

func param(params []json.RawMessage, i int, v any) error {
	if i >= len(params) {
		return fmt.Errorf("missing param %d", i)
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return fmt.Errorf("invalid param %d: %w", i, err)
	}
	return nil
}

func addressParam(params []json.RawMessage, i int) (common.Address, error) {
	var s string
	if err := param(params, i, &s); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
