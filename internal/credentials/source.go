// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credentials

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/pipegate/pipegate/internal/json"
)

// Credential source types accepted in credential files.
const (
	SourceStatic            = "static"
	SourceOAuth             = "oauth"
	SourceClientCredentials = "client-credentials"
	SourceAzure             = "azure"
)

// azureScopeURL is the Entra scope for Azure OpenAI data-plane calls.
const azureScopeURL = "https://cognitiveservices.azure.com/.default"

// File is the on-disk credential document at <dir>/<ref>.json. Which fields
// are required depends on Type; everything else is ignored.
type File struct {
	Type string `json:"type"`

	// APIKey is the material of a static credential.
	APIKey string `json:"api_key,omitempty"`

	// AccessToken, RefreshToken and ExpiresAt carry oauth state. The manager
	// writes them back after each refresh so restarts keep a rotated
	// refresh token.
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Issuer       string   `json:"issuer,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// TenantID selects the Entra tenant for azure credentials.
	TenantID string `json:"tenant_id,omitempty"`

	// OAuthURL points the operator at the page that re-issues this
	// credential. Carried into AuthRecreateRequired.
	OAuthURL string `json:"oauth_url,omitempty"`
}

// Material is the secret a server stage injects into one upstream attempt.
// A zero ExpiresAt means the material never expires.
type Material struct {
	Token     string
	ExpiresAt time.Time
}

// expiresWithin reports whether the material expires inside the margin. The
// margin buys the refresh worker time before requests start failing.
func (mt Material) expiresWithin(margin time.Duration) bool {
	if mt.ExpiresAt.IsZero() {
		return false
	}
	return mt.ExpiresAt.Add(-margin).Before(time.Now())
}

// source produces fresh material for one credential. Refresh may mutate f
// for write-back; callers serialize refreshes per credential.
type source interface {
	Refresh(ctx context.Context, f *File) (Material, error)
}

// tokenProvider is the seam between a source and the SDK that mints its
// tokens.
type tokenProvider interface {
	GetToken(ctx context.Context) (Material, error)
}

func credentialPath(dir, ref string) string {
	return filepath.Join(dir, ref+".json")
}

func readCredentialFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}
	return &f, nil
}

// writeCredentialFile persists f atomically with owner-only permissions.
func writeCredentialFile(path string, f *File) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode credential file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to stage credential file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict credential file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// newSource validates f and builds its refresher. path is empty for inline
// credentials, which never touch the filesystem.
func newSource(f *File, path string, client *http.Client, azOptions *azidentity.ClientSecretCredentialOptions) (source, error) {
	switch f.Type {
	case SourceStatic:
		if f.APIKey == "" {
			return nil, fmt.Errorf("static credential requires api_key")
		}
		return &staticSource{path: path}, nil
	case SourceOAuth:
		if f.RefreshToken == "" {
			return nil, fmt.Errorf("oauth credential requires refresh_token")
		}
		if f.ClientID == "" {
			return nil, fmt.Errorf("oauth credential requires client_id")
		}
		if f.TokenURL == "" && f.Issuer == "" {
			return nil, fmt.Errorf("oauth credential requires token_url or issuer")
		}
		return &oauthSource{path: path, client: client}, nil
	case SourceClientCredentials:
		if f.ClientID == "" || f.ClientSecret == "" {
			return nil, fmt.Errorf("client-credentials credential requires client_id and client_secret")
		}
		if f.TokenURL == "" && f.Issuer == "" {
			return nil, fmt.Errorf("client-credentials credential requires token_url or issuer")
		}
		return &clientCredentialsSource{client: client}, nil
	case SourceAzure:
		if f.TenantID == "" || f.ClientID == "" || f.ClientSecret == "" {
			return nil, fmt.Errorf("azure credential requires tenant_id, client_id and client_secret")
		}
		cred, err := azidentity.NewClientSecretCredential(f.TenantID, f.ClientID, f.ClientSecret, azOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		return &azureSource{provider: &azureTokenProvider{credential: cred}}, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q, want one of static, oauth, client-credentials, azure", f.Type)
	}
}

// initialMaterial is what the file already holds before any refresh runs.
func initialMaterial(f *File) Material {
	switch f.Type {
	case SourceStatic:
		return Material{Token: f.APIKey}
	case SourceOAuth:
		return Material{Token: f.AccessToken, ExpiresAt: f.ExpiresAt}
	default:
		// Token-minting sources start empty and fill on the first refresh.
		return Material{}
	}
}

// staticSource re-reads the credential file so an operator can rotate an API
// key by replacing it on disk.
type staticSource struct {
	path string
}

func (s *staticSource) Refresh(_ context.Context, f *File) (Material, error) {
	if s.path == "" {
		return Material{Token: f.APIKey}, nil
	}
	fresh, err := readCredentialFile(s.path)
	if err != nil {
		return Material{}, err
	}
	if fresh.Type != SourceStatic || fresh.APIKey == "" {
		return Material{}, fmt.Errorf("credential file %s no longer holds a static api_key", s.path)
	}
	*f = *fresh
	return Material{Token: f.APIKey}, nil
}

// oauthSource runs the refresh-token grant. The token endpoint comes from the
// file or from issuer discovery.
type oauthSource struct {
	path   string
	client *http.Client
}

func (s *oauthSource) Refresh(ctx context.Context, f *File) (Material, error) {
	tokenURL, err := resolveTokenURL(ctx, f, s.client)
	if err != nil {
		return Material{}, err
	}
	cfg := oauth2.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       f.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: f.RefreshToken}).Token()
	if err != nil {
		return Material{}, fmt.Errorf("fail to get oauth2 token %w", err)
	}
	f.AccessToken = token.AccessToken
	f.ExpiresAt = token.Expiry
	// Some providers rotate the refresh token on every grant. Losing the new
	// one locks the credential out at the next refresh.
	if token.RefreshToken != "" {
		f.RefreshToken = token.RefreshToken
	}
	if s.path != "" {
		if err := writeCredentialFile(s.path, f); err != nil {
			return Material{}, err
		}
	}
	return Material{Token: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

// clientCredentialsSource runs the standard OAuth2 client credentials flow.
type clientCredentialsSource struct {
	client *http.Client
}

func (s *clientCredentialsSource) Refresh(ctx context.Context, f *File) (Material, error) {
	tokenURL, err := resolveTokenURL(ctx, f, s.client)
	if err != nil {
		return Material{}, err
	}
	cfg := clientcredentials.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       f.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	token, err := cfg.Token(ctx)
	if err != nil {
		return Material{}, fmt.Errorf("fail to get oauth2 token %w", err)
	}
	// Handle expiration.
	if token.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return Material{Token: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

// azureSource mints an Entra token for the Azure OpenAI data plane.
type azureSource struct {
	provider tokenProvider
}

func (s *azureSource) Refresh(ctx context.Context, _ *File) (Material, error) {
	return s.provider.GetToken(ctx)
}

type azureTokenProvider struct {
	credential *azidentity.ClientSecretCredential
}

func (a *azureTokenProvider) GetToken(ctx context.Context) (Material, error) {
	token, err := a.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{azureScopeURL}})
	if err != nil {
		return Material{}, err
	}
	return Material{Token: token.Token, ExpiresAt: token.ExpiresOn}, nil
}

// resolveTokenURL prefers the configured token endpoint and falls back to
// OIDC issuer discovery.
func resolveTokenURL(ctx context.Context, f *File, client *http.Client) (string, error) {
	if f.TokenURL != "" {
		return f.TokenURL, nil
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), f.Issuer)
	if err != nil {
		return "", fmt.Errorf("failed to create go-oidc provider %q: %w", f.Issuer, err)
	}
	endpoint := provider.Endpoint()
	if endpoint.TokenURL == "" {
		return "", fmt.Errorf("issuer %q advertises no token endpoint", f.Issuer)
	}
	return endpoint.TokenURL, nil
}
