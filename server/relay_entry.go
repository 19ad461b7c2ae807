package server

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// The point-at-infinity is 48 zero bytes.
var pointAtInfinityPubkey = [48]byte{}

// RelayEntry represents the constraints relay the sidecar forwards signed
// constraints to.
type RelayEntry struct {
	PublicKey phase0.BLSPubKey
	URL       *url.URL
}

func (r *RelayEntry) String() string {
	return r.URL.String()
}

// GetURI returns the full request URI with scheme, host, path and args for the relay.
func (r *RelayEntry) GetURI(path string) string {
	return GetURI(r.URL, path)
}

// NewRelayEntry creates a new instance based on an input string
// relayURL can be IP@PORT, PUBKEY@IP:PORT, https://IP, etc.
func NewRelayEntry(relayURL string) (entry RelayEntry, err error) {
	// Add protocol scheme prefix if it does not exist.
	if !strings.HasPrefix(relayURL, "http") {
		relayURL = "http://" + relayURL
	}

	entry.URL, err = url.ParseRequestURI(relayURL)
	if err != nil {
		return entry, err
	}

	// The relay's public key rides in the userinfo part of the URL.
	if entry.URL.User.Username() == "" {
		return entry, ErrMissingRelayPubkey
	}

	pubkey, err := hexutil.Decode(entry.URL.User.Username())
	if err != nil {
		return entry, err
	}

	if len(pubkey) != len(pointAtInfinityPubkey) {
		return entry, ErrInvalidLengthPubkey
	}

	if bytes.Equal(pubkey, pointAtInfinityPubkey[:]) {
		return entry, ErrPointAtInfinityPubkey
	}

	copy(entry.PublicKey[:], pubkey)
	return entry, nil
}
