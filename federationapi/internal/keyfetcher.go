// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// serverKeyCacheTTL bounds how long a fetched verify key is trusted
// before DirectKeyFetcher re-resolves it, independent of whatever
// valid_until_ts the remote published (spec.md §6 "trusted_servers").
const serverKeyCacheTTL = 1 * time.Hour

// serverKeyResponse is the wire shape of GET
// /_matrix/key/v2/server: the minimal subset DirectKeyFetcher needs,
// the server's current Ed25519 verify keys keyed by key id.
type serverKeyResponse struct {
	ServerName spec.ServerName `json:"server_name"`
	VerifyKeys map[string]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
}

// DirectKeyFetcher implements federationapi/api.PublicKeyStore by
// querying a server's own /_matrix/key/v2/server endpoint directly,
// the simplest of the three resolution strategies the server-server
// spec allows (the other two, querying a trusted notary first, are
// gated by query_trusted_key_servers_first and are a configuration
// concern above this type, not implemented here).
type DirectKeyFetcher struct {
	httpClient *http.Client
	cache      *ristretto.Cache
	// baseURL builds the /_matrix/key/v2/server URL for a server name,
	// overridden in tests to point at an httptest.Server instead of the
	// real https endpoint.
	baseURL func(serverName spec.ServerName) string
}

// NewDirectKeyFetcher constructs a fetcher. cache may be nil, in which
// case every call hits the network.
func NewDirectKeyFetcher(httpClient *http.Client, cache *ristretto.Cache) *DirectKeyFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &DirectKeyFetcher{
		httpClient: httpClient,
		cache:      cache,
		baseURL: func(serverName spec.ServerName) string {
			return fmt.Sprintf("https://%s/_matrix/key/v2/server", serverName)
		},
	}
}

type serverKeyCacheKey struct {
	server spec.ServerName
	keyID  gomatrixserverlib.KeyID
}

// FetchKey implements federationapi/api.PublicKeyStore.
func (f *DirectKeyFetcher) FetchKey(ctx context.Context, serverName spec.ServerName, keyID gomatrixserverlib.KeyID) (ed25519.PublicKey, error) {
	cacheKey := serverKeyCacheKey{server: serverName, keyID: keyID}
	if f.cache != nil {
		if cached, ok := f.cache.Get(cacheKey); ok {
			return cached.(ed25519.PublicKey), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL(serverName), nil)
	if err != nil {
		return nil, fmt.Errorf("federation: building key request for %s: %w", serverName, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation: fetching keys from %s: %w", serverName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: %s returned status %d for key request", serverName, resp.StatusCode)
	}

	var parsed serverKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("federation: decoding key response from %s: %w", serverName, err)
	}

	entry, ok := parsed.VerifyKeys[string(keyID)]
	if !ok {
		return nil, fmt.Errorf("federation: %s did not publish key %s", serverName, keyID)
	}
	raw, err := base64.RawStdEncoding.DecodeString(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("federation: %s published malformed key %s: %w", serverName, keyID, err)
	}
	pubKey := ed25519.PublicKey(raw)

	if f.cache != nil {
		f.cache.SetWithTTL(cacheKey, pubKey, 1, serverKeyCacheTTL)
	}
	return pubKey, nil
}
