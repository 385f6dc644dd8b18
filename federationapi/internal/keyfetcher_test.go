// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	require.NoError(t, err)
	return cache
}

// TestDirectKeyFetcherDecodesPublishedKey covers the happy path: a
// remote's /_matrix/key/v2/server response is decoded into the
// matching ed25519.PublicKey for the requested key id.
func TestDirectKeyFetcherDecodesPublishedKey(t *testing.T) {
	t.Parallel()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encodedKey := base64.RawStdEncoding.EncodeToString(pub)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/_matrix/key/v2/server", r.URL.Path)
		fmt.Fprintf(w, `{"server_name":"origin.example","verify_keys":{"ed25519:1":{"key":"%s"}}}`, encodedKey)
	}))
	defer server.Close()

	fetcher := NewDirectKeyFetcher(server.Client(), newTestCache(t))
	fetcher.baseURL = func(serverName spec.ServerName) string {
		return server.URL + "/_matrix/key/v2/server"
	}

	got, err := fetcher.FetchKey(context.Background(), "origin.example", "ed25519:1")
	require.NoError(t, err)
	assert.Equal(t, ed25519.PublicKey(pub), got)
	assert.Equal(t, 1, requests)
}

// TestDirectKeyFetcherCachesResult confirms a second FetchKey for the
// same (server, key id) is served from cache rather than hitting the
// network again.
func TestDirectKeyFetcherCachesResult(t *testing.T) {
	t.Parallel()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encodedKey := base64.RawStdEncoding.EncodeToString(pub)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprintf(w, `{"server_name":"origin.example","verify_keys":{"ed25519:1":{"key":"%s"}}}`, encodedKey)
	}))
	defer server.Close()

	cache := newTestCache(t)
	fetcher := NewDirectKeyFetcher(server.Client(), cache)
	fetcher.baseURL = func(serverName spec.ServerName) string {
		return server.URL + "/_matrix/key/v2/server"
	}

	_, err = fetcher.FetchKey(context.Background(), "origin.example", "ed25519:1")
	require.NoError(t, err)
	cache.Wait()

	_, err = fetcher.FetchKey(context.Background(), "origin.example", "ed25519:1")
	require.NoError(t, err)

	assert.Equal(t, 1, requests, "a cached key must not trigger a second network request")
}

// TestDirectKeyFetcherMissingKeyID covers the case where the remote
// responds successfully but never published the key id being asked for.
func TestDirectKeyFetcherMissingKeyID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"server_name":"origin.example","verify_keys":{}}`)
	}))
	defer server.Close()

	fetcher := NewDirectKeyFetcher(server.Client(), nil)
	fetcher.baseURL = func(serverName spec.ServerName) string {
		return server.URL + "/_matrix/key/v2/server"
	}

	_, err := fetcher.FetchKey(context.Background(), "origin.example", "ed25519:1")
	assert.Error(t, err)
}

// TestDirectKeyFetcherNonOKStatus covers the remote returning a non-200
// status, e.g. when the homeserver is unreachable or misconfigured.
func TestDirectKeyFetcherNonOKStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := NewDirectKeyFetcher(server.Client(), nil)
	fetcher.baseURL = func(serverName spec.ServerName) string {
		return server.URL + "/_matrix/key/v2/server"
	}

	_, err := fetcher.FetchKey(context.Background(), "origin.example", "ed25519:1")
	assert.Error(t, err)
}
