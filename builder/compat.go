package builder

import (
	"errors"
	"fmt"

	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	utilbellatrix "github.com/attestantio/go-eth2-client/util/bellatrix"
	utilcapella "github.com/attestantio/go-eth2-client/util/capella"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// blockToDenebPayload converts a sealed execution block into the consensus
// payload representation served over the builder API.
func blockToDenebPayload(block *gethTypes.Block) (*deneb.ExecutionPayload, error) {
	transactions := make([]bellatrix.Transaction, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncodeTransaction, err)
		}
		transactions = append(transactions, raw)
	}

	withdrawals := make([]*capella.Withdrawal, 0, len(block.Withdrawals()))
	for _, w := range block.Withdrawals() {
		withdrawals = append(withdrawals, &capella.Withdrawal{
			Index:          capella.WithdrawalIndex(w.Index),
			ValidatorIndex: phase0.ValidatorIndex(w.Validator),
			Address:        bellatrix.ExecutionAddress(w.Address),
			Amount:         phase0.Gwei(w.Amount),
		})
	}

	baseFee, overflow := uint256.FromBig(block.BaseFee())
	if overflow {
		return nil, errors.New("base fee per gas overflows uint256")
	}

	var blobGasUsed, excessBlobGas uint64
	if block.BlobGasUsed() != nil {
		blobGasUsed = *block.BlobGasUsed()
	}
	if block.ExcessBlobGas() != nil {
		excessBlobGas = *block.ExcessBlobGas()
	}

	return &deneb.ExecutionPayload{
		ParentHash:    phase0.Hash32(block.ParentHash()),
		FeeRecipient:  bellatrix.ExecutionAddress(block.Coinbase()),
		StateRoot:     phase0.Root(block.Root()),
		ReceiptsRoot:  phase0.Root(block.ReceiptHash()),
		LogsBloom:     block.Bloom(),
		PrevRandao:    [32]byte(block.MixDigest()),
		BlockNumber:   block.NumberU64(),
		GasLimit:      block.GasLimit(),
		GasUsed:       block.GasUsed(),
		Timestamp:     block.Time(),
		ExtraData:     block.Extra(),
		BaseFeePerGas: baseFee,
		BlockHash:     phase0.Hash32(block.Hash()),
		Transactions:  transactions,
		Withdrawals:   withdrawals,
		BlobGasUsed:   blobGasUsed,
		ExcessBlobGas: excessBlobGas,
	}, nil
}

// payloadToHeader merkleizes the payload's transaction and withdrawal lists
// and returns the corresponding execution payload header.
func payloadToHeader(payload *deneb.ExecutionPayload) (*deneb.ExecutionPayloadHeader, error) {
	transactions := utilbellatrix.ExecutionPayloadTransactions{Transactions: payload.Transactions}
	transactionsRoot, err := transactions.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMerkleization, err)
	}

	withdrawals := utilcapella.ExecutionPayloadWithdrawals{Withdrawals: payload.Withdrawals}
	withdrawalsRoot, err := withdrawals.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMerkleization, err)
	}

	return &deneb.ExecutionPayloadHeader{
		ParentHash:       payload.ParentHash,
		FeeRecipient:     payload.FeeRecipient,
		StateRoot:        payload.StateRoot,
		ReceiptsRoot:     payload.ReceiptsRoot,
		LogsBloom:        payload.LogsBloom,
		PrevRandao:       payload.PrevRandao,
		BlockNumber:      payload.BlockNumber,
		GasLimit:         payload.GasLimit,
		GasUsed:          payload.GasUsed,
		Timestamp:        payload.Timestamp,
		ExtraData:        payload.ExtraData,
		BaseFeePerGas:    payload.BaseFeePerGas,
		BlockHash:        payload.BlockHash,
		TransactionsRoot: transactionsRoot,
		WithdrawalsRoot:  withdrawalsRoot,
		BlobGasUsed:      payload.BlobGasUsed,
		ExcessBlobGas:    payload.ExcessBlobGas,
	}, nil
}
