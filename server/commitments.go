package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chainbound/bolt-sidecar/types"
)

// handleRPC dispatches the JSON-RPC surface. Only a single method is exposed.
func (s *SidecarService) handleRPC(w http.ResponseWriter, req *http.Request) {
	rpcReq := new(rpcRequest)
	if err := json.NewDecoder(req.Body).Decode(rpcReq); err != nil {
		writeRPCError(w, nil, rpcCodeParseError, err.Error())
		return
	}

	switch rpcReq.Method {
	case rpcMethodRequestInclusion:
		s.handleRequestInclusion(w, req, rpcReq)
	default:
		writeRPCError(w, rpcReq.ID, rpcCodeMethodNotFound, fmt.Sprintf("unknown method %q", rpcReq.Method))
	}
}

func (s *SidecarService) handleRequestInclusion(w http.ResponseWriter, req *http.Request, rpcReq *rpcRequest) {
	if len(rpcReq.Params) != 1 {
		writeRPCError(w, rpcReq.ID, rpcCodeInvalidParams, "params must hold exactly one request object")
		return
	}

	inclusion := new(types.InclusionRequest)
	if err := json.Unmarshal(rpcReq.Params[0], inclusion); err != nil {
		writeRPCError(w, rpcReq.ID, rpcCodeInvalidParams, fmt.Sprintf("%s: %s", ErrMalformedRequest, err))
		return
	}

	signed, err := s.SubmitInclusionCommitment(req.Context(), inclusion)
	if err != nil {
		writeRPCError(w, rpcReq.ID, errorToRPCCode(err), err.Error())
		return
	}

	writeRPCResult(w, rpcReq.ID, signed)
}

// SubmitInclusionCommitment validates an inclusion request, records it,
// signs the resulting constraints message and forwards it to the relay.
//
// Validation happens before any state change: a rejected request leaves the
// dedupe cache untouched. Once the commitment is recorded it is never rolled
// back, even if the relay forward fails.
func (s *SidecarService) SubmitInclusionCommitment(ctx context.Context, inclusion *types.InclusionRequest) (types.BatchedSignedConstraints, error) {
	log := s.log.WithFields(logrus.Fields{
		"method":    "requestInclusionCommitment",
		"slot":      inclusion.Slot,
		"requestID": uuid.New().String(),
	})

	tx, err := inclusion.DecodeTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	sender, err := types.TransactionSender(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	digest := types.ComputeRequestDigest(inclusion.Slot, tx.Hash())
	requestSigner, err := inclusion.RecoverSigner(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	// TODO: support delegations so an address other than the transaction
	// sender can request a commitment on its behalf.
	if requestSigner != sender {
		return nil, ErrSignerMismatch
	}

	entry := commitmentEntry{request: inclusion, txHash: tx.Hash(), signer: sender}
	if err := s.dedupe.checkAndInsert(inclusion.Slot, entry); err != nil {
		return nil, err
	}

	log = log.WithFields(logrus.Fields{
		"txHash": tx.Hash().Hex(),
		"sender": sender.Hex(),
	})
	log.Info("accepted inclusion commitment request")

	ctx, cancel := context.WithDeadline(ctx, SlotDeadline(s.genesisTime, inclusion.Slot))
	defer cancel()

	validatorIndex, err := s.beacon.ValidatorIndexForSlot(ctx, inclusion.Slot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidatorIndex, err)
	}

	message := types.NewConstraintsMessage(validatorIndex, inclusion)
	root, err := message.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	signature, err := s.signer.SignRoot(root, s.constraintsDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	signed := types.BatchedSignedConstraints{
		{Message: message, Signature: signature},
	}

	// Forwarding is best effort: the commitment above stays recorded even
	// when the relay is unreachable, so the fallback path can still honor it.
	url := s.relay.GetURI(pathSubmitConstraints)
	if _, err := SendHTTPRequest(ctx, s.httpClient, http.MethodPost, url, UserAgent(""), signed, nil); err != nil {
		log.WithError(err).Warn("failed forwarding signed constraints to relay")
		return nil, fmt.Errorf("%w: %w", ErrRelayRequest, err)
	}

	log.WithField("validatorIndex", validatorIndex).Info("forwarded signed constraints to relay")
	return signed, nil
}
