package builder

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/node"
	"github.com/ethereum/go-ethereum/rpc"
)

// engineClient is a minimal JWT-authenticated engine API client. The fallback
// builder only needs engine_newPayloadV3: the validation error it returns is
// what drives payload construction.
type engineClient struct {
	client *rpc.Client
}

func newEngineClient(engineURL string, jwtSecret [32]byte) (*engineClient, error) {
	client, err := rpc.DialOptions(context.Background(), engineURL, rpc.WithHTTPAuth(node.NewJWTAuth(jwtSecret)))
	if err != nil {
		return nil, fmt.Errorf("failed to dial engine API at %s: %w", engineURL, err)
	}
	return &engineClient{client: client}, nil
}

func (e *engineClient) NewPayloadV3(ctx context.Context, payload *engine.ExecutableData, blobHashes []common.Hash, beaconRoot *common.Hash) (engine.PayloadStatusV1, error) {
	var status engine.PayloadStatusV1
	err := e.client.CallContext(ctx, &status, "engine_newPayloadV3", payload, blobHashes, beaconRoot)
	return status, err
}

type hintKind int

const (
	hintGasUsed hintKind = iota
	hintStateRoot
	hintReceiptsRoot
	hintLogsBloom
)

func (k hintKind) String() string {
	switch k {
	case hintGasUsed:
		return "gas_used"
	case hintStateRoot:
		return "state_root"
	case hintReceiptsRoot:
		return "receipts_root"
	case hintLogsBloom:
		return "logs_bloom"
	}
	return "unknown"
}

type engineHint struct {
	kind  hintKind
	value string
}

// Validation errors produced by the execution client during block insertion,
// e.g. "invalid gas used (remote: 0 local: 21000)" or
// "invalid merkle root (remote: ... local: ...) dberr: <nil>".
var engineHintRe = regexp.MustCompile(`(invalid gas used|invalid merkle root|invalid receipt root hash|invalid bloom).*?local:\s*(?:0x)?([0-9a-fA-F]+)`)

// parseEngineHint extracts the locally computed value the engine expected for
// one of the header fields the fallback builder cannot compute itself.
func parseEngineHint(validationError string) (engineHint, error) {
	matches := engineHintRe.FindStringSubmatch(validationError)
	if len(matches) != 3 {
		return engineHint{}, fmt.Errorf("%w: %q", ErrInvalidEngineHint, validationError)
	}
	hint := engineHint{value: matches[2]}
	switch matches[1] {
	case "invalid gas used":
		hint.kind = hintGasUsed
	case "invalid merkle root":
		hint.kind = hintStateRoot
	case "invalid receipt root hash":
		hint.kind = hintReceiptsRoot
	case "invalid bloom":
		hint.kind = hintLogsBloom
	}
	return hint, nil
}

// applyEngineHint patches the candidate header in place with the engine's
// locally computed value.
func applyEngineHint(header *gethTypes.Header, hint engineHint) error {
	switch hint.kind {
	case hintGasUsed:
		gasUsed, err := strconv.ParseUint(hint.value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: gas used %q: %w", ErrInvalidEngineHint, hint.value, err)
		}
		header.GasUsed = gasUsed
	case hintStateRoot:
		header.Root = common.HexToHash(hint.value)
	case hintReceiptsRoot:
		header.ReceiptHash = common.HexToHash(hint.value)
	case hintLogsBloom:
		bloom, err := hex.DecodeString(hint.value)
		if err != nil || len(bloom) != gethTypes.BloomByteLength {
			return fmt.Errorf("%w: bloom %q", ErrInvalidEngineHint, hint.value)
		}
		header.Bloom = gethTypes.BytesToBloom(bloom)
	}
	return nil
}
