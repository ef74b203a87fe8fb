// Package coinbase implements the Coinbase Advanced Trade venue adapter:
// per-request JWT (ES256) bearer authentication with a two-minute expiry,
// and a sandbox host toggle (spec.md §6 "Coinbase").
package coinbase

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// parseECPrivateKey loads a PEM-encoded EC private key, the form Coinbase's
// Cloud Trading Keys API issues API secrets in.
func parseECPrivateKey(pemKey string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block for EC private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	return key, nil
}

// buildJWT mints a one-shot, two-minute bearer token for a single REST call,
// following Coinbase's CDP JWT scheme: sub = api key name, iss = "cdp", uri =
// "METHOD host/path", nonce is random per token.
func buildJWT(keyName string, key *ecdsa.PrivateKey, method, host, path string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, host, path),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = keyName
	token.Header["nonce"] = fmt.Sprintf("%x", nonce)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}
