package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignatureLength = errors.New("signature must be 65 bytes")
	ErrEmptyTransaction       = errors.New("empty transaction payload")
)

// InclusionRequest asks that a transaction is included in a specific slot.
// The signature is a recoverable secp256k1 signature over Digest(), produced
// by the transaction sender.
type InclusionRequest struct {
	Slot      uint64        `json:"slot"`
	Tx        hexutil.Bytes `json:"tx"`
	Signature hexutil.Bytes `json:"signature"`
}

// CommitmentRequest is a tagged variant over the supported commitment kinds.
// Inclusion requests are the only kind today.
type CommitmentRequest struct {
	Inclusion *InclusionRequest
}

// AsInclusionRequest returns the inner inclusion request, or nil.
func (c *CommitmentRequest) AsInclusionRequest() *InclusionRequest {
	return c.Inclusion
}

// DecodeTransaction RLP-decodes the raw transaction payload.
func (r *InclusionRequest) DecodeTransaction() (*gethTypes.Transaction, error) {
	if len(r.Tx) == 0 {
		return nil, ErrEmptyTransaction
	}
	tx := new(gethTypes.Transaction)
	if err := tx.UnmarshalBinary(r.Tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// Digest returns the deterministic payload the requester signs:
// keccak256(slot as little-endian uint64 ‖ transaction hash).
func (r *InclusionRequest) Digest() (common.Hash, error) {
	tx, err := r.DecodeTransaction()
	if err != nil {
		return common.Hash{}, err
	}
	return ComputeRequestDigest(r.Slot, tx.Hash()), nil
}

// ComputeRequestDigest is the pure form of Digest for a known tx hash.
func ComputeRequestDigest(slot uint64, txHash common.Hash) common.Hash {
	var slotBytes [8]byte
	binary.LittleEndian.PutUint64(slotBytes[:], slot)
	return common.BytesToHash(crypto.Keccak256(slotBytes[:], txHash.Bytes()))
}

// RecoverSigner recovers the address that signed the given request digest.
// The signature is interpreted as an EIP-191 personal message signature,
// with both 0/1 and 27/28 recovery id conventions accepted.
func (r *InclusionRequest) RecoverSigner(digest common.Hash) (common.Address, error) {
	if len(r.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignatureLength
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, r.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover request signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// TransactionSender recovers the sender embedded in the transaction itself.
func TransactionSender(tx *gethTypes.Transaction) (common.Address, error) {
	sender, err := gethTypes.Sender(gethTypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover transaction sender: %w", err)
	}
	return sender, nil
}
