package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	eth2ApiV1Deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec/altair"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chainbound/bolt-sidecar/beaconclient"
	"github.com/chainbound/bolt-sidecar/builder"
	"github.com/chainbound/bolt-sidecar/signer"
	"github.com/chainbound/bolt-sidecar/types"
)

var testLog = logrus.NewEntry(logrus.New())

const (
	testSidecarSecretKeyHex = "0x5e343a647c5a5c44d76c2c58b63f02cdf3a9a0ec40f102ebc26363b4b1b95034"
	testValidatorIndex      = uint64(7)
	testForkVersion         = "0x00000000"
)

type testBackend struct {
	sidecar *SidecarService
	relay   *mockRelay
	beacon  *beaconclient.MockBeaconClient
	signer  *signer.Signer
	domain  [32]byte
}

// newTestBackend wires a sidecar against a mock relay and mock beacon client.
// The builder's execution and engine endpoints are never dialed by the
// commitment path.
func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	relay := newMockRelay(t)
	t.Cleanup(relay.Server.Close)
	beacon := beaconclient.NewMockBeaconClient(testValidatorIndex)

	sidecarSigner, err := signer.New(testSidecarSecretKeyHex)
	require.NoError(t, err)
	constraintsDomain, err := signer.ComputeDomain(signer.DomainTypeCommitBoost, testForkVersion)
	require.NoError(t, err)
	bidDomain, err := signer.ComputeDomain(signer.DomainTypeAppBuilder, testForkVersion)
	require.NoError(t, err)

	localBuilder, err := builder.NewLocalBuilder(builder.LocalBuilderOpts{
		Log:                testLog,
		Signer:             sidecarSigner,
		BidDomain:          bidDomain,
		ExecutionURL:       "http://localhost:8545",
		EngineURL:          "http://localhost:8551",
		EngineJWTSecretHex: strings.Repeat("00", 32),
		FeeRecipient:       common.Address{},
	})
	require.NoError(t, err)

	service, err := NewSidecarService(SidecarServiceOpts{
		Log:               testLog,
		ListenAddr:        "localhost:12345",
		Relay:             relay.RelayEntry,
		Beacon:            beacon,
		Builder:           localBuilder,
		Signer:            sidecarSigner,
		ConstraintsDomain: constraintsDomain,
		// Slot 100 is currently in progress.
		GenesisTime:         uint64(time.Now().Unix()) - 100*12,
		RelayRequestTimeout: time.Second,
	})
	require.NoError(t, err)

	return &testBackend{
		sidecar: service,
		relay:   relay,
		beacon:  beacon,
		signer:  sidecarSigner,
		domain:  constraintsDomain,
	}
}

// newSignedInclusionRequest builds a valid request for the slot: the digest is
// signed by the same key that signed the transaction.
func newSignedInclusionRequest(t *testing.T, key *ecdsa.PrivateKey, slot, nonce uint64) *types.InclusionRequest {
	t.Helper()

	chainID := big.NewInt(1)
	to := common.HexToAddress("0xdb65fEd33dc262Fe09D9a2Ba8F80b329BA25f941")
	tx, err := gethTypes.SignNewTx(key, gethTypes.LatestSignerForChainID(chainID), &gethTypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	digest := types.ComputeRequestDigest(slot, tx.Hash())
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	require.NoError(t, err)

	return &types.InclusionRequest{Slot: slot, Tx: raw, Signature: sig}
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestSubmitInclusionCommitment(t *testing.T) {
	backend := newTestBackend(t)
	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	signed, err := backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, signed, 1)

	msg := signed[0].Message
	require.Equal(t, testValidatorIndex, msg.ValidatorIndex)
	require.Equal(t, uint64(100), msg.Slot)
	require.Len(t, msg.Constraints, 1)
	require.Equal(t, req.Tx, msg.Constraints[0].Tx)

	// The signature must verify under the constraints domain.
	root, err := msg.HashTreeRoot()
	require.NoError(t, err)
	ok, err := signer.VerifyRoot(backend.signer.PublicKey(), root, signed[0].Signature, backend.domain)
	require.NoError(t, err)
	require.True(t, ok)

	// The relay received exactly one submission.
	require.Equal(t, 1, backend.relay.GetRequestCount(pathSubmitConstraints))
	received := backend.relay.ReceivedConstraints()
	require.Len(t, received, 1)
	require.Equal(t, msg.Slot, received[0][0].Message.Slot)
}

func TestSubmitInclusionCommitmentDuplicate(t *testing.T) {
	backend := newTestBackend(t)
	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	_, err := backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.NoError(t, err)

	_, err = backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	// The duplicate never reached the relay.
	require.Equal(t, 1, backend.relay.GetRequestCount(pathSubmitConstraints))
}

func TestSubmitInclusionCommitmentSignerMismatch(t *testing.T) {
	backend := newTestBackend(t)
	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	// Replace the digest signature with one from a different key.
	otherKey := newTestKey(t)
	tx, err := req.DecodeTransaction()
	require.NoError(t, err)
	digest := types.ComputeRequestDigest(req.Slot, tx.Hash())
	req.Signature, err = crypto.Sign(accounts.TextHash(digest.Bytes()), otherKey)
	require.NoError(t, err)

	_, err = backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.ErrorIs(t, err, ErrSignerMismatch)
	require.Equal(t, 0, backend.relay.GetRequestCount(pathSubmitConstraints))

	// The rejected request left no trace: a correctly signed resubmission
	// of the same transaction succeeds.
	valid := newSignedInclusionRequest(t, key, 100, 0)
	_, err = backend.sidecar.SubmitInclusionCommitment(context.Background(), valid)
	require.NoError(t, err)
}

func TestSubmitSameTransactionTwoSlots(t *testing.T) {
	backend := newTestBackend(t)
	key := newTestKey(t)

	_, err := backend.sidecar.SubmitInclusionCommitment(context.Background(), newSignedInclusionRequest(t, key, 100, 0))
	require.NoError(t, err)

	_, err = backend.sidecar.SubmitInclusionCommitment(context.Background(), newSignedInclusionRequest(t, key, 101, 0))
	require.NoError(t, err)

	require.Equal(t, 2, backend.relay.GetRequestCount(pathSubmitConstraints))
}

func TestSubmitInclusionCommitmentRelayFailure(t *testing.T) {
	backend := newTestBackend(t)
	backend.relay.overrideHandleSubmitConstraints(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "relay exploded", http.StatusInternalServerError)
	})

	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	_, err := backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.ErrorIs(t, err, ErrRelayRequest)

	// The commitment was recorded before the forward: a resubmission is a
	// duplicate, not a retry.
	_, err = backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestSubmitInclusionCommitmentValidatorIndexFailure(t *testing.T) {
	backend := newTestBackend(t)
	backend.beacon.SetError(beaconclient.ErrNoProposerDuty)

	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	_, err := backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
	require.ErrorIs(t, err, ErrValidatorIndex)
	require.Equal(t, 0, backend.relay.GetRequestCount(pathSubmitConstraints))
}

func TestSubmitInclusionCommitmentConcurrentDuplicates(t *testing.T) {
	backend := newTestBackend(t)
	key := newTestKey(t)
	req := newSignedInclusionRequest(t, key, 100, 0)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = backend.sidecar.SubmitInclusionCommitment(context.Background(), req)
		}(i)
	}
	wg.Wait()

	successes, duplicates := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrDuplicateRequest):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, duplicates)
	require.Equal(t, 1, backend.relay.GetRequestCount(pathSubmitConstraints))
}

func TestHandleRPC(t *testing.T) {
	backend := newTestBackend(t)
	router := backend.sidecar.getRouter()

	post := func(body string) *rpcResponse {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := new(rpcResponse)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), resp))
		return resp
	}

	t.Run("parse error", func(t *testing.T) {
		resp := post("{not json")
		require.NotNil(t, resp.Error)
		require.Equal(t, rpcCodeParseError, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := post(`{"id":"1","jsonrpc":"2.0","method":"bolt_unknown","params":[]}`)
		require.NotNil(t, resp.Error)
		require.Equal(t, rpcCodeMethodNotFound, resp.Error.Code)
	})

	t.Run("wrong param count", func(t *testing.T) {
		resp := post(`{"id":"1","jsonrpc":"2.0","method":"bolt_requestInclusionCommitment","params":[]}`)
		require.NotNil(t, resp.Error)
		require.Equal(t, rpcCodeInvalidParams, resp.Error.Code)
	})

	t.Run("malformed request object", func(t *testing.T) {
		resp := post(`{"id":"1","jsonrpc":"2.0","method":"bolt_requestInclusionCommitment","params":[{"slot":"not-a-number"}]}`)
		require.NotNil(t, resp.Error)
		require.Equal(t, rpcCodeInvalidParams, resp.Error.Code)
	})

	t.Run("success", func(t *testing.T) {
		key := newTestKey(t)
		inclusion := newSignedInclusionRequest(t, key, 100, 0)
		params, err := json.Marshal(inclusion)
		require.NoError(t, err)

		resp := post(`{"id":"1","jsonrpc":"2.0","method":"bolt_requestInclusionCommitment","params":[` + string(params) + `]}`)
		require.Nil(t, resp.Error)
		require.NotNil(t, resp.Result)

		raw, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		signed := types.BatchedSignedConstraints{}
		require.NoError(t, json.Unmarshal(raw, &signed))
		require.Len(t, signed, 1)
		require.Equal(t, uint64(100), signed[0].Message.Slot)
	})

	t.Run("duplicate surfaces its own code", func(t *testing.T) {
		key := newTestKey(t)
		inclusion := newSignedInclusionRequest(t, key, 100, 0)
		params, err := json.Marshal(inclusion)
		require.NoError(t, err)
		body := `{"id":"2","jsonrpc":"2.0","method":"bolt_requestInclusionCommitment","params":[` + string(params) + `]}`

		resp := post(body)
		require.Nil(t, resp.Error)

		resp = post(body)
		require.NotNil(t, resp.Error)
		require.Equal(t, rpcCodeDuplicate, resp.Error.Code)
	})
}

func TestWebserver(t *testing.T) {
	t.Run("errors when webserver is already existing", func(t *testing.T) {
		backend := newTestBackend(t)
		backend.sidecar.srv = &http.Server{}
		err := backend.sidecar.StartHTTPServer()
		require.Error(t, err)
	})

	t.Run("webserver error on invalid listenAddr", func(t *testing.T) {
		backend := newTestBackend(t)
		backend.sidecar.listenAddr = "localhost:876543"
		err := backend.sidecar.StartHTTPServer()
		require.Error(t, err)
	})
}

func TestStatusHandler(t *testing.T) {
	backend := newTestBackend(t)

	req := httptest.NewRequest(http.MethodGet, pathStatus, nil)
	rr := httptest.NewRecorder()
	backend.sidecar.getRouter().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "{}", rr.Body.String())
}

func TestGetHeaderNoCommitments(t *testing.T) {
	backend := newTestBackend(t)

	path := "/eth/v1/builder/header/100/0xe28385e7bd68df656cd0042b74b69c3104b5356ed1f20eb69f1f925df47a3ab7/0x8a1d7b8dd64e0aafe7ea7b6c95065c9364cf99d38470c12ee807d55f7de1529ad29ce2c422e0b65e3d5a05c02caca249"
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	backend.sidecar.getRouter().ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestGetPayloadUnknownBlockHash(t *testing.T) {
	backend := newTestBackend(t)

	// A blinded block pointing at a block hash the builder never produced.
	body := blindedBlockJSON(t, "0xe28385e7bd68df656cd0042b74b69c3104b5356ed1f20eb69f1f925df47a3ab7")
	req := httptest.NewRequest(http.MethodPost, pathGetPayload, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	backend.sidecar.getRouter().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

// blindedBlockJSON renders a minimal but fully-populated signed blinded
// beacon block whose payload header carries the given block hash.
func blindedBlockJSON(t *testing.T, blockHash string) string {
	t.Helper()

	header := &deneb.ExecutionPayloadHeader{
		BaseFeePerGas: uint256.NewInt(0),
		BlockHash:     phase0.Hash32(common.HexToHash(blockHash)),
	}
	block := &eth2ApiV1Deneb.SignedBlindedBeaconBlock{
		Message: &eth2ApiV1Deneb.BlindedBeaconBlock{
			Slot: 100,
			Body: &eth2ApiV1Deneb.BlindedBeaconBlockBody{
				ETH1Data: &phase0.ETH1Data{
					BlockHash: make([]byte, 32),
				},
				ProposerSlashings: []*phase0.ProposerSlashing{},
				AttesterSlashings: []*phase0.AttesterSlashing{},
				Attestations:      []*phase0.Attestation{},
				Deposits:          []*phase0.Deposit{},
				VoluntaryExits:    []*phase0.SignedVoluntaryExit{},
				SyncAggregate: &altair.SyncAggregate{
					SyncCommitteeBits: bitfield.NewBitvector512(),
				},
				ExecutionPayloadHeader: header,
				BLSToExecutionChanges:  []*capella.SignedBLSToExecutionChange{},
				BlobKZGCommitments:     []deneb.KZGCommitment{},
			},
		},
	}

	raw, err := json.Marshal(block)
	require.NoError(t, err)
	return string(raw)
}
