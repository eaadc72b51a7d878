package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider is the part of an issuer's discovery document the API uses.
type OIDCProvider struct {
	Issuer        string   `json:"issuer"`
	TokenEndpoint string   `json:"token_endpoint"`
	JWKSURI       string   `json:"jwks_uri"`
	SigningAlgs   []string `json:"id_token_signing_alg_values_supported"`
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// NewOIDCProvider fetches <issuer>/.well-known/openid-configuration. The
// document must advertise the issuer it was fetched from, trailing slash
// aside, and a jwks_uri.
func NewOIDCProvider(issuerURL string) (*OIDCProvider, error) {
	issuer := strings.TrimRight(issuerURL, "/")

	resp, err := discoveryClient.Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if p.Issuer != "" && strings.TrimRight(p.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc discovery: document issuer %q does not match %q", p.Issuer, issuerURL)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: document has no jwks_uri")
	}
	return &p, nil
}
