// Copyright 2024 coreroomd contributors
package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	fedapi "github.com/coreroom/coreroomd/federationapi/api"
)

// RequestVerifier implements federationapi/api.RequestAuthenticator by
// parsing the Authorization: X-Matrix header (spec.md §6) and verifying
// it the same way an event signature is verified: build the canonical
// signed object, reduce to bytes, and check it against the origin's
// published key via keys.
type RequestVerifier struct {
	destination spec.ServerName
	keys        fedapi.PublicKeyStore
}

// NewRequestVerifier constructs a RequestVerifier for a server bound to
// destination, resolving origin keys through keys.
func NewRequestVerifier(destination spec.ServerName, keys fedapi.PublicKeyStore) *RequestVerifier {
	return &RequestVerifier{destination: destination, keys: keys}
}

type xMatrixAuth struct {
	origin      spec.ServerName
	destination spec.ServerName
	keyID       gomatrixserverlib.KeyID
	sig         []byte
}

// signedRequest is the canonical object a federation request's signature
// covers, per the "Authenticating requests" section of the server-server
// spec: method, request URI, origin, destination, the request body (nil
// for requests without one), and the signature itself, embedded the way
// VerifyJSON expects to find it on any signed Matrix object.
type signedRequest struct {
	Method      string                                 `json:"method"`
	URI         string                                 `json:"uri"`
	Origin      spec.ServerName                         `json:"origin"`
	Destination spec.ServerName                         `json:"destination,omitempty"`
	Content     json.RawMessage                         `json:"content,omitempty"`
	Signatures  map[spec.ServerName]map[string]string `json:"signatures"`
}

// VerifyHTTPRequest implements federationapi/api.RequestAuthenticator.
func (v *RequestVerifier) VerifyHTTPRequest(ctx context.Context, req *http.Request, content []byte) (spec.ServerName, error) {
	auth, err := parseXMatrixHeader(req.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}
	if auth.destination != "" && auth.destination != v.destination {
		return "", fmt.Errorf("federation: request destination %s does not match this server", auth.destination)
	}

	signed := signedRequest{
		Method:      req.Method,
		URI:         req.URL.RequestURI(),
		Origin:      auth.origin,
		Destination: auth.destination,
		Signatures: map[spec.ServerName]map[string]string{
			auth.origin: {string(auth.keyID): base64.RawStdEncoding.EncodeToString(auth.sig)},
		},
	}
	if len(content) > 0 {
		signed.Content = json.RawMessage(content)
	}
	canonical, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("federation: marshalling signed request: %w", err)
	}

	pubKey, err := v.keys.FetchKey(ctx, auth.origin, auth.keyID)
	if err != nil {
		return "", fmt.Errorf("federation: fetching key %s/%s: %w", auth.origin, auth.keyID, err)
	}
	if err := gomatrixserverlib.VerifyJSON(auth.origin, auth.keyID, pubKey, canonical); err != nil {
		return "", fmt.Errorf("federation: signature verification failed for %s: %w", auth.origin, err)
	}
	return auth.origin, nil
}

// parseXMatrixHeader parses `X-Matrix origin="...",destination="...",key="...",sig="..."`,
// the quoted-string comma-separated parameter form every Matrix server
// sends. destination is optional (omitted by some older implementations).
func parseXMatrixHeader(header string) (xMatrixAuth, error) {
	const prefix = "X-Matrix "
	if !strings.HasPrefix(header, prefix) {
		return xMatrixAuth{}, fmt.Errorf("federation: missing or malformed Authorization header")
	}
	params := map[string]string{}
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := part[:eq]
		val := strings.Trim(part[eq+1:], `"`)
		params[key] = val
	}

	origin, ok := params["origin"]
	if !ok {
		return xMatrixAuth{}, fmt.Errorf("federation: X-Matrix header missing origin")
	}
	keyID, ok := params["key"]
	if !ok {
		return xMatrixAuth{}, fmt.Errorf("federation: X-Matrix header missing key")
	}
	sigStr, ok := params["sig"]
	if !ok {
		return xMatrixAuth{}, fmt.Errorf("federation: X-Matrix header missing sig")
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigStr)
	if err != nil {
		if sig, err = base64.StdEncoding.DecodeString(sigStr); err != nil {
			return xMatrixAuth{}, fmt.Errorf("federation: X-Matrix header sig is not valid base64")
		}
	}

	return xMatrixAuth{
		origin:      spec.ServerName(origin),
		destination: spec.ServerName(params["destination"]),
		keyID:       gomatrixserverlib.KeyID(keyID),
		sig:         sig,
	}, nil
}
