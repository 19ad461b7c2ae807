package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainbound/bolt-sidecar/config"
)

func TestMakePostRequest(t *testing.T) {
	// Test errors
	var x chan bool
	code, err := SendHTTPRequest(context.Background(), *http.DefaultClient, http.MethodGet, "", "test", x, nil)
	require.Error(t, err)
	require.Equal(t, 0, code)
}

func TestDecodeJSON(t *testing.T) {
	// test disallows unknown fields
	var x struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	payload := bytes.NewReader([]byte(`{"a":1,"b":2,"c":3}`))
	err := DecodeJSON(payload, &x)
	require.Error(t, err)
	require.Equal(t, "json: unknown field \"c\"", err.Error())
}

func TestSendHTTPRequestUserAgent(t *testing.T) {
	done := make(chan bool, 1)

	// Test with custom UA
	customUA := "test-user-agent"
	expectedUA := fmt.Sprintf("bolt-sidecar/%s %s", config.Version, customUA)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, expectedUA, r.Header.Get("User-Agent"))
		done <- true
	}))
	code, err := SendHTTPRequest(context.Background(), *http.DefaultClient, http.MethodGet, ts.URL, UserAgent(customUA), nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	<-done
	ts.Close()

	// Test without custom UA
	expectedUA = fmt.Sprintf("bolt-sidecar/%s", config.Version)
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, expectedUA, r.Header.Get("User-Agent"))
		done <- true
	}))
	code, err = SendHTTPRequest(context.Background(), *http.DefaultClient, http.MethodGet, ts.URL, UserAgent(""), nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	<-done
	ts.Close()
}

func TestSendHTTPRequestErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "error response", http.StatusInternalServerError)
	}))
	defer ts.Close()

	code, err := SendHTTPRequest(context.Background(), *http.DefaultClient, http.MethodGet, ts.URL, "test", nil, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusInternalServerError, code)
}

func TestSlotDeadline(t *testing.T) {
	genesis := uint64(1_606_824_023)

	// Slot 0 ends one slot after genesis.
	require.Equal(t, time.Unix(int64(genesis+config.SlotTimeSec), 0), SlotDeadline(genesis, 0))

	// Slot n ends at genesis + (n+1) slots.
	require.Equal(t, time.Unix(int64(genesis+101*config.SlotTimeSec), 0), SlotDeadline(genesis, 100))
}
