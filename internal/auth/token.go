// Package auth implements BeadHub's two request-authentication modes:
// signed-proxy context injected by a trusted gateway, and bearer API keys
// presented directly by agents.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrNoCredentials = errors.New("no credentials presented")
)

// PrincipalType is the "u" | "k" | "p" tag carried by signed-proxy context.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "u"
	PrincipalAPIKey PrincipalType = "k"
	PrincipalPublic PrincipalType = "p"
)

const (
	HeaderInternalAuth = "X-BH-Auth"
	HeaderProjectID    = "X-Project-ID"
	HeaderUserID       = "X-User-ID"
	HeaderAPIKeyID     = "X-API-Key"
	HeaderActorID      = "X-Aweb-Actor-ID"
)

// ProxyContext is the authoritative identity carried by a trusted gateway.
type ProxyContext struct {
	ProjectID     string
	PrincipalType PrincipalType
	PrincipalID   string
	ActorID       string
}

// signProxyMessage reproduces the gateway's v2 message format so the server
// can verify (or, in tests, mint) the X-BH-Auth header.
func signProxyMessage(secret []byte, projectID string, ptype PrincipalType, principalID, actorID string) (message, signature string) {
	message = fmt.Sprintf("v2:%s:%s:%s:%s", projectID, ptype, principalID, actorID)
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(message))
	signature = hex.EncodeToString(sum.Sum(nil))
	return message, signature
}

// SignProxyHeader builds the full X-BH-Auth header value; exposed for tests
// and for internal gateways embedded in the same process.
func SignProxyHeader(secret []byte, projectID string, ptype PrincipalType, principalID, actorID string) string {
	message, signature := signProxyMessage(secret, projectID, ptype, principalID, actorID)
	return message + ":" + signature
}

// ParseProxyHeader verifies the X-BH-Auth header against the shared secret
// and returns the parsed, trusted context. The mirror headers
// (X-Project-ID, X-User-ID/X-API-Key, X-Aweb-Actor-ID) are redundant with
// the signed message and are not themselves trusted; this function derives
// the context entirely from the signed string.
func ParseProxyHeader(secret []byte, header string) (ProxyContext, error) {
	if header == "" {
		return ProxyContext{}, ErrNoCredentials
	}
	parts := strings.Split(header, ":")
	if len(parts) != 6 || parts[0] != "v2" {
		return ProxyContext{}, ErrInvalidToken
	}
	projectID, ptype, principalID, actorID, signature := parts[1], PrincipalType(parts[2]), parts[3], parts[4], parts[5]
	if ptype != PrincipalUser && ptype != PrincipalAPIKey && ptype != PrincipalPublic {
		return ProxyContext{}, ErrInvalidToken
	}
	_, expected := signProxyMessage(secret, projectID, ptype, principalID, actorID)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ProxyContext{}, ErrInvalidToken
	}
	return ProxyContext{
		ProjectID:     projectID,
		PrincipalType: ptype,
		PrincipalID:   principalID,
		ActorID:       actorID,
	}, nil
}

const apiKeyPrefix = "aw_sk_"

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateAPIKey mints a new plaintext key and its SHA-256 hash. The
// plaintext is returned to the caller exactly once; only the hash is
// persisted.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Alphabet))))
		if err != nil {
			return "", "", fmt.Errorf("generate api key: %w", err)
		}
		buf[i] = base62Alphabet[n.Int64()]
	}
	plaintext = apiKeyPrefix + string(buf)
	hash = HashAPIKey(plaintext)
	return plaintext, hash, nil
}

// HashAPIKey hashes a bearer token for storage/lookup comparison.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the raw token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
