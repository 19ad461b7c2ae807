package types

import (
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Constraint is a single transaction-level directive for the block builder.
// An unset index leaves the position up to the builder.
type Constraint struct {
	Tx    hexutil.Bytes `json:"tx"`
	Index *uint64       `json:"index"`
}

// ConstraintsMessage groups the constraints a validator commits to for a slot.
// This is the structure that gets signed for relay submission.
type ConstraintsMessage struct {
	ValidatorIndex uint64        `json:"validator_index"`
	Slot           uint64        `json:"slot"`
	Constraints    []*Constraint `json:"constraints"`
}

// SignedConstraints is a ConstraintsMessage with the validator's BLS signature
// over its hash tree root.
type SignedConstraints struct {
	Message   *ConstraintsMessage `json:"message"`
	Signature phase0.BLSSignature `json:"signature"`
}

// BatchedSignedConstraints is the relay submission body.
type BatchedSignedConstraints []*SignedConstraints

// NewConstraintsMessage builds a one-element constraints message from an
// inclusion request, bound to the given validator index.
func NewConstraintsMessage(validatorIndex uint64, req *InclusionRequest) *ConstraintsMessage {
	return &ConstraintsMessage{
		ValidatorIndex: validatorIndex,
		Slot:           req.Slot,
		Constraints:    []*Constraint{{Tx: req.Tx}},
	}
}
