// Copyright 2024 coreroomd contributors
//
// Package federationapi is the construction point for the outbound
// sender and the federation HTTP surface: federationapi/internal is
// only importable from within this tree (Go's internal/ visibility
// rule), so cmd/coreroomd wires everything through the constructors
// here instead.
package federationapi

import (
	"net/http"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
	"github.com/coreroom/coreroomd/federationapi/internal"
	"github.com/coreroom/coreroomd/internal/caching"
)

// NewFederationClient adapts a configured fclient.FederationClient onto
// the narrow FederationClient/TransactionClient surfaces the room
// server's membership engine and the outbound sender each depend on.
// Both returned values share the same underlying client.
func NewFederationClient(fc fclient.FederationClient) (fedapi.FederationClient, fedapi.TransactionClient) {
	c := internal.NewFederationClient(fc)
	return c, c
}

// NewRequestVerifier builds the X-Matrix request authenticator every
// inbound federation route runs behind (spec.md §6).
func NewRequestVerifier(destination spec.ServerName, keys fedapi.PublicKeyStore) fedapi.RequestAuthenticator {
	return internal.NewRequestVerifier(destination, keys)
}

// NewKeyRing builds the PDU signature verifier the invite handler and
// the membership engine's remote join call through KeyFetcher, with the
// bad-event backoff of spec.md §4.4 applied when backoff is non-nil.
func NewKeyRing(keys fedapi.PublicKeyStore, backoff *caching.BadEventRatelimiter) fedapi.KeyFetcher {
	return internal.NewKeyRing(keys, backoff)
}

// NewDirectKeyFetcher builds the simplest of the three server-key
// resolution strategies the server-server spec allows: a direct GET
// against the remote's own /_matrix/key/v2/server, memoized in cache.
func NewDirectKeyFetcher(httpClient *http.Client, cache *ristretto.Cache) fedapi.PublicKeyStore {
	return internal.NewDirectKeyFetcher(httpClient, cache)
}
