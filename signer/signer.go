// Package signer implements domain-separated BLS signing for every artifact
// the sidecar produces: constraints messages submitted to the relay and the
// local builder's bids. Domains follow the application-builder convention of
// a zero genesis-validators-root for out-of-protocol messages.
package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/flashbots/go-boost-utils/ssz"
	"github.com/flashbots/go-boost-utils/utils"
)

var (
	// DomainTypeCommitBoost is the mask for commit-boost constraint messages.
	DomainTypeCommitBoost = phase0.DomainType{0x6d, 0x6d, 0x6f, 0x43}

	// DomainTypeAppBuilder is the mask for application-builder messages,
	// used for the local builder's bid signatures. The two masks must never
	// be interchanged: a signature under one is invalid under the other.
	DomainTypeAppBuilder = ssz.DomainTypeAppBuilder

	ErrInvalidForkVersion = errors.New("invalid fork version")
	ErrMalformedEncoding  = errors.New("malformed key or signature encoding")
)

// ComputeDomain computes the 32-byte signing domain for the given mask and
// fork version: mask ‖ fork_data_root(fork_version, zero_root)[:28].
func ComputeDomain(domainType phase0.DomainType, forkVersionHex string) (domain phase0.Domain, err error) {
	forkVersionBytes, err := hexutil.Decode(forkVersionHex)
	if err != nil || len(forkVersionBytes) != 4 {
		return domain, ErrInvalidForkVersion
	}
	var forkVersion [4]byte
	copy(forkVersion[:], forkVersionBytes)
	return ssz.ComputeDomain(domainType, forkVersion, phase0.Root{}), nil
}

// ComputeSigningRoot combines a message root with a domain, per the standard
// two-field signing-data container.
func ComputeSigningRoot(root [32]byte, domain phase0.Domain) ([32]byte, error) {
	signingData := phase0.SigningData{
		ObjectRoot: phase0.Root(root),
		Domain:     domain,
	}
	return signingData.HashTreeRoot()
}

// Signer binds the sidecar to one BLS identity (min-pk, proof-of-possession
// ciphersuite via blst).
type Signer struct {
	secretKey *bls.SecretKey
	publicKey phase0.BLSPubKey
}

// New creates a Signer from a hex-encoded BLS secret key (optional 0x prefix).
func New(secretKeyHex string) (*Signer, error) {
	skBytes, err := hexutil.Decode(ensureHexPrefix(secretKeyHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	secretKey, err := bls.SecretKeyFromBytes(skBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	blsPubkey, err := bls.PublicKeyFromSecretKey(secretKey)
	if err != nil {
		return nil, err
	}
	publicKey, err := utils.BlsPublicKeyToPublicKey(blsPubkey)
	if err != nil {
		return nil, err
	}
	return &Signer{secretKey: secretKey, publicKey: publicKey}, nil
}

// PublicKey returns the signer's compressed public key.
func (s *Signer) PublicKey() phase0.BLSPubKey {
	return s.publicKey
}

// SignRoot signs the message root under the given domain.
func (s *Signer) SignRoot(root [32]byte, domain phase0.Domain) (phase0.BLSSignature, error) {
	signingRoot, err := ComputeSigningRoot(root, domain)
	if err != nil {
		return phase0.BLSSignature{}, err
	}
	sig := bls.Sign(s.secretKey, signingRoot[:])
	return utils.BlsSignatureToSignature(sig)
}

// VerifyRoot recomputes the signing root for (root, domain) and verifies the
// signature against the public key. Malformed key or signature encodings are
// reported as errors; a well-formed but non-matching signature returns
// (false, nil).
func VerifyRoot(pubkey phase0.BLSPubKey, root [32]byte, signature phase0.BLSSignature, domain phase0.Domain) (bool, error) {
	signingRoot, err := ComputeSigningRoot(root, domain)
	if err != nil {
		return false, err
	}
	ok, err := bls.VerifySignatureBytes(signingRoot[:], signature[:], pubkey[:])
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}
	return ok, nil
}

// ParsePublicKey parses a hex string (optional 0x prefix) into a compressed
// BLS public key.
func ParsePublicKey(pubkeyHex string) (phase0.BLSPubKey, error) {
	pubkey, err := utils.HexToPubkey(ensureHexPrefix(pubkeyHex))
	if err != nil {
		return phase0.BLSPubKey{}, fmt.Errorf("failed to parse public key %q: %w", strings.TrimPrefix(pubkeyHex, "0x"), err)
	}
	return pubkey, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}
