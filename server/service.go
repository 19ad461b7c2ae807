// Package server implements the sidecar's commitment gateway: a JSON-RPC
// endpoint that accepts inclusion commitment requests, validates and signs
// them as constraints, and forwards them to the constraints relay. It also
// serves the builder API surface (getHeader / getPayload) backed by the
// local fallback builder.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	builderApi "github.com/attestantio/go-builder-client/api"
	builderApiDeneb "github.com/attestantio/go-builder-client/api/deneb"
	builderSpec "github.com/attestantio/go-builder-client/spec"
	eth2ApiV1Deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chainbound/bolt-sidecar/beaconclient"
	"github.com/chainbound/bolt-sidecar/builder"
	"github.com/chainbound/bolt-sidecar/config"
	"github.com/chainbound/bolt-sidecar/signer"
)

var (
	pathStatus            = "/eth/v1/builder/status"
	pathGetHeader         = "/eth/v1/builder/header/{slot:[0-9]+}/{parent_hash:0x[a-fA-F0-9]+}/{pubkey:0x[a-fA-F0-9]+}"
	pathGetPayload        = "/eth/v1/builder/blinded_blocks"
	pathSubmitConstraints = "/constraints/v1/builder/constraints"
)

// HTTPServerTimeouts are various timeouts for requests to the sidecar HTTP server
type HTTPServerTimeouts struct {
	Read       time.Duration // Timeout for body reads. None if 0.
	ReadHeader time.Duration // Timeout for header reads. None if 0.
	Write      time.Duration // Timeout for writes. None if 0.
	Idle       time.Duration // Timeout to disconnect idle client connections. None if 0.
}

// NewDefaultHTTPServerTimeouts creates default server timeouts
func NewDefaultHTTPServerTimeouts() HTTPServerTimeouts {
	return HTTPServerTimeouts{
		Read:       time.Duration(config.ServerReadTimeoutMs) * time.Millisecond,
		ReadHeader: time.Duration(config.ServerReadHeaderTimeoutMs) * time.Millisecond,
		Write:      time.Duration(config.ServerWriteTimeoutMs) * time.Millisecond,
		Idle:       time.Duration(config.ServerIdleTimeoutMs) * time.Millisecond,
	}
}

// SidecarServiceOpts provides all available options for NewSidecarService
type SidecarServiceOpts struct {
	Log                 *logrus.Entry
	ListenAddr          string
	Relay               RelayEntry
	Beacon              beaconclient.ValidatorIndexResolver
	Builder             *builder.LocalBuilder
	Signer              *signer.Signer
	ConstraintsDomain   phase0.Domain
	GenesisTime         uint64
	RelayRequestTimeout time.Duration
}

// SidecarService accepts inclusion commitment requests from users and serves
// the builder API to the proposer's mev-boost / beacon node.
type SidecarService struct {
	listenAddr string
	relay      RelayEntry
	log        *logrus.Entry
	srv        *http.Server

	serverTimeouts HTTPServerTimeouts

	signer            *signer.Signer
	constraintsDomain phase0.Domain
	localBuilder      *builder.LocalBuilder
	beacon            beaconclient.ValidatorIndexResolver
	genesisTime       uint64

	dedupe     *dedupeCache
	httpClient http.Client
}

// NewSidecarService created a new SidecarService
func NewSidecarService(opts SidecarServiceOpts) (*SidecarService, error) {
	if opts.Relay.URL == nil {
		return nil, ErrMissingRelayPubkey
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("nil signer")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("nil local builder")
	}
	if opts.Beacon == nil {
		return nil, fmt.Errorf("nil beacon client")
	}

	return &SidecarService{
		listenAddr: opts.ListenAddr,
		relay:      opts.Relay,
		log:        opts.Log.WithField("module", "service"),

		serverTimeouts: NewDefaultHTTPServerTimeouts(),

		signer:            opts.Signer,
		constraintsDomain: opts.ConstraintsDomain,
		localBuilder:      opts.Builder,
		beacon:            opts.Beacon,
		genesisTime:       opts.GenesisTime,

		dedupe:     newDedupeCache(),
		httpClient: http.Client{Timeout: opts.RelayRequestTimeout},
	}, nil
}

func (s *SidecarService) getRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)

	r.HandleFunc(pathStatus, s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(pathGetHeader, s.handleGetHeader).Methods(http.MethodGet)
	r.HandleFunc(pathGetPayload, s.handleGetPayload).Methods(http.MethodPost)

	r.Use(mux.CORSMethodMiddleware(r))
	return loggingMiddleware(r, s.log)
}

// StartHTTPServer starts the HTTP server for this sidecar service instance
func (s *SidecarService) StartHTTPServer() error {
	if s.srv != nil {
		return ErrServerAlreadyRunning
	}

	s.srv = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.getRouter(),

		ReadTimeout:       s.serverTimeouts.Read,
		ReadHeaderTimeout: s.serverTimeouts.ReadHeader,
		WriteTimeout:      s.serverTimeouts.Write,
		IdleTimeout:       s.serverTimeouts.Idle,
	}

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func loggingMiddleware(next http.Handler, log *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.EscapedPath(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

func (s *SidecarService) handleStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}

// handleGetHeader returns a signed bid for the local fallback block holding
// every transaction committed for the slot, or 204 if nothing was committed.
func (s *SidecarService) handleGetHeader(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	slotStr := vars["slot"]
	log := s.log.WithFields(logrus.Fields{
		"method": "getHeader",
		"slot":   slotStr,
	})

	slot, err := strconv.ParseUint(slotStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid slot", http.StatusBadRequest)
		return
	}

	entries := s.dedupe.commitments(slot)
	if len(entries) == 0 {
		log.Debug("no commitments for slot, no local bid")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Decoding was already validated at submission time.
	txs := make([]*gethTypes.Transaction, 0, len(entries))
	for _, entry := range entries {
		tx, err := entry.request.DecodeTransaction()
		if err != nil {
			log.WithError(err).Error("failed to decode committed transaction")
			http.Error(w, "failed to decode committed transaction", http.StatusInternalServerError)
			return
		}
		txs = append(txs, tx)
	}

	ctx, cancel := context.WithDeadline(req.Context(), SlotDeadline(s.genesisTime, slot))
	defer cancel()

	signedBid, err := s.localBuilder.BuildNewPayload(ctx, slot, txs)
	if err != nil {
		log.WithError(err).Error("failed to build fallback payload")
		http.Error(w, "failed to build fallback payload", http.StatusBadGateway)
		return
	}

	response := &builderSpec.VersionedSignedBuilderBid{
		Version: spec.DataVersionDeneb,
		Deneb:   signedBid,
	}

	log.WithField("blockHash", signedBid.Message.Header.BlockHash.String()).Info("returning local fallback bid")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Error("failed writing getHeader response")
	}
}

// handleGetPayload unblinds a previously returned local bid by serving the
// cached execution payload for the requested block hash.
func (s *SidecarService) handleGetPayload(w http.ResponseWriter, req *http.Request) {
	log := s.log.WithField("method", "getPayload")

	payload := new(eth2ApiV1Deneb.SignedBlindedBeaconBlock)
	if err := DecodeJSON(req.Body, payload); err != nil {
		log.WithError(err).Warn("failed to decode getPayload request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Message == nil || payload.Message.Body == nil || payload.Message.Body.ExecutionPayloadHeader == nil {
		http.Error(w, "incomplete blinded block", http.StatusBadRequest)
		return
	}

	blockHash := common.Hash(payload.Message.Body.ExecutionPayloadHeader.BlockHash)
	log = log.WithFields(logrus.Fields{
		"slot":      payload.Message.Slot,
		"blockHash": blockHash.Hex(),
	})

	execution := s.localBuilder.GetCachedPayload(blockHash)
	if execution == nil {
		log.Warn("no cached payload for block hash")
		http.Error(w, "no payload in cache for block hash", http.StatusBadRequest)
		return
	}

	response := &builderApi.VersionedSubmitBlindedBlockResponse{
		Version: spec.DataVersionDeneb,
		Deneb: &builderApiDeneb.ExecutionPayloadAndBlobsBundle{
			ExecutionPayload: execution,
			BlobsBundle: &builderApiDeneb.BlobsBundle{
				Commitments: make([]deneb.KZGCommitment, 0),
				Proofs:      make([]deneb.KZGProof, 0),
				Blobs:       make([]deneb.Blob, 0),
			},
		},
	}

	log.Info("returning cached local payload")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Error("failed writing getPayload response")
	}
}
