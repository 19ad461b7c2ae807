// Package builder implements the sidecar's local fallback builder. It seals
// an execution payload containing the committed transactions, wraps its
// header in a signed builder bid, and caches the full payload so a later
// getPayload call can retrieve it. This path guarantees inclusion when no
// external builder delivers a winning bid for the slot.
package builder

import (
	"context"
	"fmt"
	"strings"

	builderApiDeneb "github.com/attestantio/go-builder-client/api/deneb"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/chainbound/bolt-sidecar/signer"
)

// The bid carries a deliberately maximal value so any aggregator comparing
// bids by value prefers the self-built block. Nobody pays it: the block is
// self-built, so the value is a ranking signal, not an economic claim.
var bidValue = uint256.NewInt(1_000_000_000_000_000_000)

// LocalBuilder builds fallback payloads and signs bids for them under the
// application-builder domain.
type LocalBuilder struct {
	log       *logrus.Entry
	signer    *signer.Signer
	bidDomain phase0.Domain
	fallback  *fallbackPayloadBuilder
	payloads  *payloadCache
}

// LocalBuilderOpts carries the constructor arguments for a LocalBuilder.
type LocalBuilderOpts struct {
	Log          *logrus.Entry
	Signer       *signer.Signer
	BidDomain    phase0.Domain
	ExecutionURL string
	EngineURL    string
	// EngineJWTSecretHex is the shared secret for the engine API,
	// 32 bytes of hex with an optional 0x prefix.
	EngineJWTSecretHex string
	FeeRecipient       common.Address
}

// NewLocalBuilder validates the options and connects the execution and
// engine clients.
func NewLocalBuilder(opts LocalBuilderOpts) (*LocalBuilder, error) {
	jwtBytes, err := hexutil.Decode(ensureHexPrefix(opts.EngineJWTSecretHex))
	if err != nil || len(jwtBytes) != 32 {
		return nil, ErrInvalidJWTSecret
	}
	var jwtSecret [32]byte
	copy(jwtSecret[:], jwtBytes)

	log := opts.Log.WithField("module", "localBuilder")
	fallback, err := newFallbackPayloadBuilder(log, opts.ExecutionURL, opts.EngineURL, jwtSecret, opts.FeeRecipient)
	if err != nil {
		return nil, err
	}

	return &LocalBuilder{
		log:       log,
		signer:    opts.Signer,
		bidDomain: opts.BidDomain,
		fallback:  fallback,
		payloads:  newPayloadCache(),
	}, nil
}

// PublicKey returns the builder's BLS public key, as carried in its bids.
func (b *LocalBuilder) PublicKey() phase0.BLSPubKey {
	return b.signer.PublicKey()
}

// BuildNewPayload seals a fallback payload containing exactly the given
// transactions in order and returns a signed builder bid for it. On success
// the full payload is cached under its block hash; on any failure the cache
// is left untouched.
func (b *LocalBuilder) BuildNewPayload(ctx context.Context, slot uint64, txs []*gethTypes.Transaction) (*builderApiDeneb.SignedBuilderBid, error) {
	log := b.log.WithFields(logrus.Fields{"slot": slot, "txs": len(txs)})

	block, err := b.fallback.buildFallbackPayload(ctx, txs)
	if err != nil {
		return nil, err
	}

	payload, err := blockToDenebPayload(block)
	if err != nil {
		return nil, err
	}

	signedBid, err := b.createSignedBuilderBid(payload)
	if err != nil {
		return nil, err
	}

	b.payloads.Put(slot, block.Hash(), payload)
	log.WithField("blockHash", block.Hash().Hex()).Info("built and cached fallback payload")
	return signedBid, nil
}

// GetCachedPayload returns the payload previously built for the block hash,
// or nil if none is cached.
func (b *LocalBuilder) GetCachedPayload(blockHash common.Hash) *deneb.ExecutionPayload {
	return b.payloads.Get(blockHash)
}

func (b *LocalBuilder) createSignedBuilderBid(payload *deneb.ExecutionPayload) (*builderApiDeneb.SignedBuilderBid, error) {
	header, err := payloadToHeader(payload)
	if err != nil {
		return nil, err
	}

	bid := &builderApiDeneb.BuilderBid{
		Header:             header,
		BlobKZGCommitments: make([]deneb.KZGCommitment, 0),
		Value:              bidValue,
		Pubkey:             b.signer.PublicKey(),
	}
	root, err := bid.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMerkleization, err)
	}
	signature, err := b.signer.SignRoot(root, b.bidDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return &builderApiDeneb.SignedBuilderBid{
		Message:   bid,
		Signature: signature,
	}, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}
