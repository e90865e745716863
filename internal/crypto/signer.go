package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one wallet on one chain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewSigner creates a Signer for chainID (11155111 for Sepolia).
func NewSigner(pk *ecdsa.PrivateKey, chainID int64) (*Signer, error) {
	if pk == nil {
		return nil, errors.New("crypto/signer: nil private key")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: invalid chain id %d", chainID)
	}
	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns a copy of the chain id the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx with the wallet key.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the address that signed tx.
func (s *Signer) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
