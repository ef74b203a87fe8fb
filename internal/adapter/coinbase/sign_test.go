package coinbase

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKeyPEM(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling test key: %v", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return key, string(pem.EncodeToMemory(block))
}

func TestParseECPrivateKeyRoundTrip(t *testing.T) {
	key, pemStr := generateTestKeyPEM(t)
	parsed, err := parseECPrivateKey(pemStr)
	if err != nil {
		t.Fatalf("parseECPrivateKey: %v", err)
	}
	if parsed.D.Cmp(key.D) != 0 {
		t.Fatal("parsed key does not match the original")
	}
}

func TestBuildJWTIsValidAndSecretFree(t *testing.T) {
	key, _ := generateTestKeyPEM(t)
	tok, err := buildJWT("test-key-name", key, "GET", "api.coinbase.com", "/api/v3/brokerage/accounts")
	if err != nil {
		t.Fatalf("buildJWT: %v", err)
	}
	if strings.Contains(tok, key.D.String()) {
		t.Fatal("token must never embed the raw private scalar")
	}

	parsed, err := jwt.Parse(tok, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not validate against its own public key: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected MapClaims")
	}
	if claims["sub"] != "test-key-name" {
		t.Errorf("sub = %v, want test-key-name", claims["sub"])
	}
	if claims["uri"] != "GET api.coinbase.com/api/v3/brokerage/accounts" {
		t.Errorf("uri = %v", claims["uri"])
	}
}
