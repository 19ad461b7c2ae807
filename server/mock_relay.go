package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/chainbound/bolt-sidecar/types"
)

var (
	mockRelaySecretKeyHex = "0x4e343a647c5a5c44d76c2c58b63f02cdf3a9a0ec40f102ebc26363b4b1b95033"
	skBytes, _            = hexutil.Decode(mockRelaySecretKeyHex)
	mockRelaySecretKey, _ = bls.SecretKeyFromBytes(skBytes)
)

// mockRelay fakes the constraints relay. Each handler can be overridden by
// setting the instance's handlerOverride field to a custom handler.
type mockRelay struct {
	// Used to panic if impossible error happens
	t *testing.T

	// KeyPair used to identify the relay
	secretKey  *bls.SecretKey
	publicKey  *bls.PublicKey
	RelayEntry RelayEntry

	// Used to count each Request made to the relay, either if it fails or not, for each method
	mu           sync.Mutex
	requestCount map[string]int

	// Overriders
	handlerOverrideSubmitConstraints func(w http.ResponseWriter, req *http.Request)

	// Everything the relay accepted, in arrival order
	receivedConstraints []types.BatchedSignedConstraints

	// Server section
	Server        *httptest.Server
	ResponseDelay time.Duration
}

// newMockRelay creates a mocked constraints relay with its own BLS identity.
func newMockRelay(t *testing.T) *mockRelay {
	publicKey, err := bls.PublicKeyFromSecretKey(mockRelaySecretKey)
	require.NoError(t, err)
	relay := &mockRelay{t: t, secretKey: mockRelaySecretKey, publicKey: publicKey, requestCount: make(map[string]int)}

	// Initialize server
	relay.Server = httptest.NewServer(relay.getRouter())

	// Create the RelayEntry with correct pubkey
	url, err := url.Parse(relay.Server.URL)
	require.NoError(t, err)
	urlWithKey := fmt.Sprintf("%s://%s@%s", url.Scheme, hexutil.Encode(bls.PublicKeyToBytes(publicKey)), url.Host)
	relay.RelayEntry, err = NewRelayEntry(urlWithKey)
	require.NoError(t, err)
	return relay
}

// newTestMiddleware creates a middleware which increases the Request counter and creates a fake delay for the response
func (m *mockRelay) newTestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			// Request counter
			m.mu.Lock()
			url := r.URL.EscapedPath()
			m.requestCount[url]++
			m.mu.Unlock()

			// Artificial Delay
			if m.ResponseDelay > 0 {
				time.Sleep(m.ResponseDelay)
			}

			next.ServeHTTP(w, r)
		},
	)
}

func (m *mockRelay) getRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", m.handleRoot).Methods(http.MethodGet)
	r.HandleFunc(pathStatus, m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(pathSubmitConstraints, m.handleSubmitConstraints).Methods(http.MethodPost)

	return m.newTestMiddleware(r)
}

// GetRequestCount returns the number of Request made to a specific URL
func (m *mockRelay) GetRequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount[path]
}

// ReceivedConstraints returns every accepted constraints batch in arrival order.
func (m *mockRelay) ReceivedConstraints() []types.BatchedSignedConstraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.BatchedSignedConstraints, len(m.receivedConstraints))
	copy(out, m.receivedConstraints)
	return out
}

func (m *mockRelay) handleRoot(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}

func (m *mockRelay) handleStatus(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{}`)
}

// handleSubmitConstraints accepts a batch of signed constraints and records it.
func (m *mockRelay) handleSubmitConstraints(w http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlerOverrideSubmitConstraints != nil {
		m.handlerOverrideSubmitConstraints(w, req)
		return
	}

	payload := types.BatchedSignedConstraints{}
	if err := DecodeJSON(req.Body, &payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty constraints batch", http.StatusBadRequest)
		return
	}
	for _, signed := range payload {
		if signed.Message == nil || len(signed.Message.Constraints) == 0 {
			http.Error(w, "constraints message without constraints", http.StatusBadRequest)
			return
		}
	}

	m.receivedConstraints = append(m.receivedConstraints, payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func (m *mockRelay) overrideHandleSubmitConstraints(method func(w http.ResponseWriter, req *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlerOverrideSubmitConstraints = method
}
