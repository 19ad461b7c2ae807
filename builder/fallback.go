package builder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sirupsen/logrus"
)

const (
	// maxEngineHintRounds bounds the newPayload feedback loop. Four header
	// fields can be hinted, so anything past that means the engine keeps
	// changing its mind and the build is abandoned.
	maxEngineHintRounds = 20

	slotTimeSec = 12
)

// fallbackPayloadBuilder produces a sealed block on top of the current chain
// head containing exactly the given transactions. The sidecar cannot execute
// state transitions itself, so it leans on engine_newPayloadV3: submit a
// candidate, read the locally computed value out of the validation error,
// patch the header, resubmit until the engine reports VALID.
type fallbackPayloadBuilder struct {
	log          *logrus.Entry
	feeRecipient common.Address
	exec         *ethclient.Client
	engine       *engineClient
}

func newFallbackPayloadBuilder(log *logrus.Entry, executionURL, engineURL string, jwtSecret [32]byte, feeRecipient common.Address) (*fallbackPayloadBuilder, error) {
	exec, err := ethclient.Dial(executionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial execution API at %s: %w", executionURL, err)
	}
	engineClient, err := newEngineClient(engineURL, jwtSecret)
	if err != nil {
		return nil, err
	}
	return &fallbackPayloadBuilder{
		log:          log.WithField("module", "fallbackBuilder"),
		feeRecipient: feeRecipient,
		exec:         exec,
		engine:       engineClient,
	}, nil
}

func (b *fallbackPayloadBuilder) buildFallbackPayload(ctx context.Context, txs []*gethTypes.Transaction) (*gethTypes.Block, error) {
	head, err := b.exec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionRequest, err)
	}

	var excessBlobGas uint64
	if head.ExcessBlobGas != nil && head.BlobGasUsed != nil {
		excessBlobGas = eip4844.CalcExcessBlobGas(*head.ExcessBlobGas, *head.BlobGasUsed)
	}

	blobGasUsed := uint64(0)
	parentBeaconRoot := common.Hash{}
	header := &gethTypes.Header{
		ParentHash:  head.Hash(),
		UncleHash:   gethTypes.EmptyUncleHash,
		Coinbase:    b.feeRecipient,
		Root:        head.Root, // hinted
		TxHash:      gethTypes.DeriveSha(gethTypes.Transactions(txs), trie.NewStackTrie(nil)),
		ReceiptHash: gethTypes.EmptyReceiptsHash, // hinted
		Difficulty:  common.Big0,
		Number:      new(big.Int).Add(head.Number, common.Big1),
		GasLimit:    head.GasLimit,
		GasUsed:     0, // hinted
		Time:        head.Time + slotTimeSec,
		MixDigest:   head.MixDigest,
		BaseFee:     eip1559.CalcBaseFee(params.MainnetChainConfig, head),

		WithdrawalsHash:  &gethTypes.EmptyWithdrawalsHash,
		BlobGasUsed:      &blobGasUsed,
		ExcessBlobGas:    &excessBlobGas,
		ParentBeaconRoot: &parentBeaconRoot,
	}

	for round := 0; round < maxEngineHintRounds; round++ {
		block := gethTypes.NewBlockWithHeader(header).WithBody(gethTypes.Body{
			Transactions: txs,
			Withdrawals:  []*gethTypes.Withdrawal{},
		})

		envelope := engine.BlockToExecutableData(block, common.Big0, nil)
		status, err := b.engine.NewPayloadV3(ctx, envelope.ExecutionPayload, []common.Hash{}, &parentBeaconRoot)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEngineRequest, err)
		}
		if status.Status == engine.VALID {
			b.log.WithFields(logrus.Fields{
				"blockHash": block.Hash().Hex(),
				"rounds":    round + 1,
			}).Debug("engine validated fallback payload")
			return block, nil
		}
		if status.ValidationError == nil {
			return nil, fmt.Errorf("%w: engine returned %s without a validation error", ErrPayloadRejected, status.Status)
		}

		hint, err := parseEngineHint(*status.ValidationError)
		if err != nil {
			return nil, err
		}
		b.log.WithFields(logrus.Fields{
			"round": round,
			"hint":  hint.kind.String(),
			"value": hint.value,
		}).Debug("patching payload with engine hint")
		if err := applyEngineHint(header, hint); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: no valid payload after %d rounds", ErrPayloadRejected, maxEngineHintRounds)
}
