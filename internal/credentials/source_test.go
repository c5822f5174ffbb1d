// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipegate/pipegate/internal/json"
)

func writeCredFile(t *testing.T, dir, ref string, f *File) string {
	t.Helper()
	path := credentialPath(dir, ref)
	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestNewSource_Validation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		file     File
		contains string
	}{
		{"unknown type", File{Type: "vault"}, `unknown credential type "vault"`},
		{"static without key", File{Type: SourceStatic}, "requires api_key"},
		{"oauth without refresh token", File{Type: SourceOAuth, ClientID: "c", TokenURL: "https://idp.test/token"}, "requires refresh_token"},
		{"oauth without client id", File{Type: SourceOAuth, RefreshToken: "r", TokenURL: "https://idp.test/token"}, "requires client_id"},
		{"oauth without endpoint", File{Type: SourceOAuth, RefreshToken: "r", ClientID: "c"}, "requires token_url or issuer"},
		{"client credentials without secret", File{Type: SourceClientCredentials, ClientID: "c", TokenURL: "https://idp.test/token"}, "requires client_id and client_secret"},
		{"client credentials without endpoint", File{Type: SourceClientCredentials, ClientID: "c", ClientSecret: "s"}, "requires token_url or issuer"},
		{"azure without tenant", File{Type: SourceAzure, ClientID: "c", ClientSecret: "s"}, "requires tenant_id"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newSource(&tc.file, "", http.DefaultClient, nil)
			require.ErrorContains(t, err, tc.contains)
		})
	}

	t.Run("azure builds without network", func(t *testing.T) {
		src, err := newSource(&File{Type: SourceAzure, TenantID: "tenant", ClientID: "client", ClientSecret: "secret"}, "", http.DefaultClient, nil)
		require.NoError(t, err)
		require.IsType(t, &azureSource{}, src)
	})
}

func TestInitialMaterial(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.Equal(t, Material{Token: "sk-live"}, initialMaterial(&File{Type: SourceStatic, APIKey: "sk-live"}))
	require.Equal(t, Material{Token: "at", ExpiresAt: expiry}, initialMaterial(&File{Type: SourceOAuth, AccessToken: "at", ExpiresAt: expiry}))
	require.Equal(t, Material{}, initialMaterial(&File{Type: SourceClientCredentials}))
	require.Equal(t, Material{}, initialMaterial(&File{Type: SourceAzure}))
}

func TestMaterialExpiresWithin(t *testing.T) {
	require.False(t, Material{Token: "k"}.expiresWithin(5*time.Minute))
	require.True(t, Material{Token: "k", ExpiresAt: time.Now().Add(time.Minute)}.expiresWithin(5*time.Minute))
	require.False(t, Material{Token: "k", ExpiresAt: time.Now().Add(time.Hour)}.expiresWithin(5*time.Minute))
}

func TestStaticSource_ReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := writeCredFile(t, dir, "acme", &File{Type: SourceStatic, APIKey: "k1"})

	f, err := readCredentialFile(path)
	require.NoError(t, err)
	src := &staticSource{path: path}

	mat, err := src.Refresh(t.Context(), f)
	require.NoError(t, err)
	require.Equal(t, "k1", mat.Token)

	// Operator rotates the key on disk.
	writeCredFile(t, dir, "acme", &File{Type: SourceStatic, APIKey: "k2"})
	mat, err = src.Refresh(t.Context(), f)
	require.NoError(t, err)
	require.Equal(t, "k2", mat.Token)
	require.Equal(t, "k2", f.APIKey)

	writeCredFile(t, dir, "acme", &File{Type: SourceOAuth, RefreshToken: "r"})
	_, err = src.Refresh(t.Context(), f)
	require.ErrorContains(t, err, "no longer holds a static api_key")
}

func TestStaticSource_InlineHasNoFile(t *testing.T) {
	src := &staticSource{}
	mat, err := src.Refresh(t.Context(), &File{Type: SourceStatic, APIKey: "inline-key"})
	require.NoError(t, err)
	require.Equal(t, "inline-key", mat.Token)
}

func TestOAuthSource_RefreshAndWriteBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-token","refresh_token":"r2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeCredFile(t, dir, "idp", &File{
		Type:         SourceOAuth,
		ClientID:     "client",
		RefreshToken: "r1",
		TokenURL:     srv.URL,
	})
	f, err := readCredentialFile(path)
	require.NoError(t, err)

	src := &oauthSource{path: path, client: srv.Client()}
	mat, err := src.Refresh(t.Context(), f)
	require.NoError(t, err)
	require.Equal(t, "new-token", mat.Token)
	require.WithinDuration(t, time.Now().Add(time.Hour), mat.ExpiresAt, time.Minute)

	// The rotated refresh token must survive a restart.
	persisted, err := readCredentialFile(path)
	require.NoError(t, err)
	require.Equal(t, "r2", persisted.RefreshToken)
	require.Equal(t, "new-token", persisted.AccessToken)
	require.False(t, persisted.ExpiresAt.IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOAuthSource_GrantRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	src := &oauthSource{client: srv.Client()}
	_, err := src.Refresh(t.Context(), &File{
		Type:         SourceOAuth,
		ClientID:     "client",
		RefreshToken: "stale",
		TokenURL:     srv.URL,
	})
	require.ErrorContains(t, err, "oauth2")
}

func TestClientCredentialsSource_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"Bearer","expires_in":1800}`))
	}))
	defer srv.Close()

	src := &clientCredentialsSource{client: srv.Client()}
	mat, err := src.Refresh(t.Context(), &File{
		Type:         SourceClientCredentials,
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, "cc-token", mat.Token)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), mat.ExpiresAt, time.Minute)
}

type stubTokenProvider struct {
	material Material
	err      error
}

func (s *stubTokenProvider) GetToken(context.Context) (Material, error) {
	return s.material, s.err
}

func TestAzureSource_Refresh(t *testing.T) {
	expiry := time.Now().Add(45 * time.Minute)
	src := &azureSource{provider: &stubTokenProvider{material: Material{Token: "az-token", ExpiresAt: expiry}}}
	mat, err := src.Refresh(t.Context(), &File{})
	require.NoError(t, err)
	require.Equal(t, "az-token", mat.Token)
	require.Equal(t, expiry, mat.ExpiresAt)

	src = &azureSource{provider: &stubTokenProvider{err: errors.New("entra says no")}}
	_, err = src.Refresh(t.Context(), &File{})
	require.ErrorContains(t, err, "entra says no")
}

func TestResolveTokenURL(t *testing.T) {
	t.Run("explicit token url wins", func(t *testing.T) {
		url, err := resolveTokenURL(t.Context(), &File{TokenURL: "https://idp.test/token", Issuer: "https://idp.test"}, http.DefaultClient)
		require.NoError(t, err)
		require.Equal(t, "https://idp.test/token", url)
	})

	t.Run("issuer discovery", func(t *testing.T) {
		mux := http.NewServeMux()
		srv := httptest.NewServer(mux)
		defer srv.Close()
		mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"issuer":%q,"authorization_endpoint":%q,"token_endpoint":%q,"jwks_uri":%q}`,
				srv.URL, srv.URL+"/auth", srv.URL+"/token", srv.URL+"/keys")
		})

		url, err := resolveTokenURL(t.Context(), &File{Issuer: srv.URL}, srv.Client())
		require.NoError(t, err)
		require.Equal(t, srv.URL+"/token", url)
	})

	t.Run("unreachable issuer", func(t *testing.T) {
		_, err := resolveTokenURL(t.Context(), &File{Issuer: "http://127.0.0.1:1"}, http.DefaultClient)
		require.ErrorContains(t, err, "failed to create go-oidc provider")
	})
}

func TestWriteCredentialFile_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := credentialPath(dir, "acme")
	require.NoError(t, writeCredentialFile(path, &File{Type: SourceStatic, APIKey: "k1"}))

	f, err := readCredentialFile(path)
	require.NoError(t, err)
	require.Equal(t, "k1", f.APIKey)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No staging leftovers.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
