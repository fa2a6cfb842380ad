package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Intent describes one transaction before signing. Build a new one per submission.
type Intent struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
	ChainID  *big.Int
}

// Tx builds the unsigned legacy transaction for this intent.
func (in Intent) Tx() (*types.Transaction, error) {
	if in.ChainID == nil || in.ChainID.Sign() == 0 {
		return nil, errors.New("chain id must be non-nil and non-zero")
	}
	if in.GasPrice == nil {
		return nil, errors.New("gas price must be set")
	}
	if in.GasLimit == 0 {
		return nil, errors.New("gas limit must be non-zero")
	}
	value := in.Value
	if value == nil {
		value = new(big.Int)
	}
	to := in.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    in.Nonce,
		GasPrice: in.GasPrice,
		Gas:      in.GasLimit,
		To:       &to,
		Value:    value,
		Data:     in.Data,
	}), nil
}

// Signer produces signatures for one address. Implementations hold the secret;
// callers never see it.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps a private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the address derived from the key.
func (s *KeySigner) Address() common.Address { return s.addr }

// SignTx signs tx with EIP-155 replay protection for chainID.
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// String hides the key from fmt and loggers.
func (s *KeySigner) String() string { return "KeySigner(" + s.addr.Hex() + ")" }

// SignedTx is a signed, single-use transaction ready for broadcast.
type SignedTx struct {
	Hash  common.Hash
	Raw   []byte
	Nonce uint64
}

// Sign turns an intent into broadcastable bytes. The result is deterministic for
// a given intent and key.
func Sign(in Intent, signer Signer) (*SignedTx, error) {
	tx, err := in.Tx()
	if err != nil {
		return nil, fmt.Errorf("build tx: %w", err)
	}
	signed, err := signer.SignTx(tx, in.ChainID)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}
	return &SignedTx{Hash: signed.Hash(), Raw: raw, Nonce: in.Nonce}, nil
}
