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

// Package auth acquires and caches an application token for Microsoft Graph
// using the OAuth2 client-credentials flow.
//
// Two credential shapes are supported:
//
//   - shared secret (dev) — plain client_secret
//   - certificate (prod)  — RS256 client-assertion JWT built from a private
//     key PEM and the certificate thumbprint
//
// Certificate auth is preferred when both are configured. The returned token
// source holds a single cached token and refreshes it 60 seconds before
// expiry; concurrent callers during a refresh serialize on the source's
// internal lock so at most one token request is in flight.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/CortinezO98/icbf-mail-portal/internal/config"
)

const (
	defaultScope  = "https://graph.microsoft.com/.default"
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// refreshSkew refreshes the cached token this long before expires_at.
	refreshSkew = 60 * time.Second
)

// TokenURL returns the tenant's token endpoint.
func TokenURL(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
}

// NewTokenSource builds the cached token source for the configured
// credentials. Missing credentials are a fatal configuration error.
func NewTokenSource(ctx context.Context, cfg *config.Config) (oauth2.TokenSource, error) {
	if cfg.GraphTenantID == "" || cfg.GraphClientID == "" {
		return nil, fmt.Errorf("missing GRAPH_TENANT_ID / GRAPH_CLIENT_ID")
	}

	tokenURL := TokenURL(cfg.GraphTenantID)

	if cfg.CertAuth() {
		src, err := newAssertionSource(ctx, cfg, tokenURL)
		if err != nil {
			return nil, err
		}
		slog.Info("graph auth using certificate credential",
			"thumbprint", cfg.GraphCertThumbprint[:min(8, len(cfg.GraphCertThumbprint))],
		)
		return oauth2.ReuseTokenSourceWithExpiry(nil, src, refreshSkew), nil
	}

	if cfg.GraphClientSecret == "" {
		return nil, fmt.Errorf("missing GRAPH_CLIENT_SECRET (or provide certificate settings)")
	}

	slog.Warn("graph auth using client secret (recommended only for dev)")
	creds := &clientcredentials.Config{
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{defaultScope},
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, creds.TokenSource(ctx), refreshSkew), nil
}

// NewClient wraps the token source in an *http.Client that injects the
// bearer token on every request.
func NewClient(ctx context.Context, src oauth2.TokenSource) *http.Client {
	return oauth2.NewClient(ctx, src)
}

// assertionSource implements oauth2.TokenSource for the certificate
// credential. Each Token call signs a fresh client-assertion JWT and posts
// it to the token endpoint; caching sits above in ReuseTokenSource.
type assertionSource struct {
	ctx        context.Context
	tokenURL   string
	clientID   string
	key        *rsa.PrivateKey
	thumbprint []byte // raw SHA-1 thumbprint bytes, for the x5t header
}

func newAssertionSource(ctx context.Context, cfg *config.Config, tokenURL string) (*assertionSource, error) {
	pem, err := os.ReadFile(cfg.GraphCertKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read GRAPH_CERT_PRIVATE_KEY_PATH: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse certificate private key: %w", err)
	}

	thumb := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cfg.GraphCertThumbprint), " ", ""))
	raw, err := hex.DecodeString(thumb)
	if err != nil {
		return nil, fmt.Errorf("GRAPH_CERT_THUMBPRINT is not hex: %w", err)
	}

	return &assertionSource{
		ctx:        ctx,
		tokenURL:   tokenURL,
		clientID:   cfg.GraphClientID,
		key:        key,
		thumbprint: raw,
	}, nil
}

// Token signs a client assertion and exchanges it for an access token.
func (s *assertionSource) Token() (*oauth2.Token, error) {
	assertion, err := s.signAssertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("scope", defaultScope)
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tr struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return nil, fmt.Errorf("token request rejected (HTTP %d): %s: %s",
			resp.StatusCode, tr.Error, tr.ErrorDescription)
	}

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// signAssertion builds the RS256 client-assertion JWT. The x5t header carries
// the base64url-encoded certificate thumbprint, which is how the identity
// platform matches the uploaded certificate.
func (s *assertionSource) signAssertion() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud": s.tokenURL,
		"iss": s.clientID,
		"sub": s.clientID,
		"jti": uuid.New().String(),
		"nbf": now.Unix(),
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["x5t"] = base64.RawURLEncoding.EncodeToString(s.thumbprint)

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
