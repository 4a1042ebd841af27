// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CortinezO98/icbf-mail-portal/internal/config"
)

func TestTokenURL(t *testing.T) {
	got := TokenURL("my-tenant-id")
	want := "https://login.microsoftonline.com/my-tenant-id/oauth2/v2.0/token"
	if got != want {
		t.Errorf("TokenURL = %q, want %q", got, want)
	}
}

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, key
}

func TestSignAssertion(t *testing.T) {
	keyPath, key := writeTestKey(t)

	cfg := &config.Config{
		GraphTenantID:       "tenant-1",
		GraphClientID:       "client-1",
		GraphCertKeyPath:    keyPath,
		GraphCertThumbprint: "A1B2C3D4E5F60718293A4B5C6D7E8F9001122334",
	}

	src, err := newAssertionSource(context.Background(), cfg, TokenURL(cfg.GraphTenantID))
	if err != nil {
		t.Fatalf("newAssertionSource: %v", err)
	}

	signed, err := src.signAssertion()
	if err != nil {
		t.Fatalf("signAssertion: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("assertion does not verify: %v", err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != "client-1" || claims["sub"] != "client-1" {
		t.Errorf("iss/sub = %v/%v, want client id", claims["iss"], claims["sub"])
	}
	if claims["aud"] != TokenURL("tenant-1") {
		t.Errorf("aud = %v, want token endpoint", claims["aud"])
	}
	if claims["jti"] == "" {
		t.Error("jti missing")
	}

	x5t, ok := parsed.Header["x5t"].(string)
	if !ok || x5t == "" {
		t.Fatal("x5t header missing")
	}
	raw, err := base64.RawURLEncoding.DecodeString(x5t)
	if err != nil {
		t.Fatalf("x5t not base64url: %v", err)
	}
	if len(raw) != 20 {
		t.Errorf("x5t decodes to %d bytes, want 20 (SHA-1 thumbprint)", len(raw))
	}
}

func TestNewAssertionSourceRejectsBadThumbprint(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	cfg := &config.Config{
		GraphClientID:       "client-1",
		GraphCertKeyPath:    keyPath,
		GraphCertThumbprint: "not-hex!",
	}
	if _, err := newAssertionSource(context.Background(), cfg, "https://example/token"); err == nil {
		t.Error("expected error for non-hex thumbprint")
	}
}

func TestNewTokenSourceRequiresCredentials(t *testing.T) {
	if _, err := NewTokenSource(context.Background(), &config.Config{}); err == nil {
		t.Error("missing tenant/client must be a fatal configuration error")
	}

	cfg := &config.Config{GraphTenantID: "t", GraphClientID: "c"}
	if _, err := NewTokenSource(context.Background(), cfg); err == nil {
		t.Error("missing secret and certificate must be rejected")
	}
}
