// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credentials keeps upstream credentials alive without ever blocking
// a request. The manager is the sole mutator of credential state; server
// stages read the current material at the start of each attempt, so a
// mid-request refresh applies to the next retry only.
package credentials

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"golang.org/x/sync/singleflight"

	"github.com/pipegate/pipegate/internal/redaction"
)

// State is a credential's lifecycle position. Transitions are the manager's
// exclusive right.
type State string

const (
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateInvalid    State = "invalid"
)

const (
	defaultExpiryMargin = 5 * time.Minute
	refreshTimeout      = 30 * time.Second
	refreshQueueSize    = 64

	// authFailureLimit is how many upstream rejections of the same material
	// it takes to declare the credential invalid.
	authFailureLimit = 3
)

// AuthRecreateRequired tells the operator a credential cannot be recovered
// by refreshing and must be re-issued.
type AuthRecreateRequired struct {
	Ref      string `json:"ref"`
	Provider string `json:"provider"`
	OAuthURL string `json:"oauthUrl,omitempty"`
}

func (e *AuthRecreateRequired) Error() string {
	msg := fmt.Sprintf("credential %q for provider %q requires operator action", e.Ref, e.Provider)
	if e.OAuthURL != "" {
		msg += ", re-authorize at " + e.OAuthURL
	}
	return msg
}

// PipelineGuard is the slice of the pipeline manager the credential manager
// drives: quarantine when a credential turns invalid, resume when it
// recovers.
type PipelineGuard interface {
	PipelinesForCredential(ref string) []string
	Quarantine(id, reason string) bool
	Resume(id string) bool
}

type credential struct {
	ref      string
	provider string
	baseURL  string
	oauthURL string
	source   source
	file     *File

	material     atomic.Pointer[Material]
	authFailures atomic.Int32

	mu    sync.Mutex
	state State
}

func (c *credential) swapState(next State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = next
	return prev
}

func (c *credential) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Manager owns every credential the router dispatches with. Add all
// credentials and bind the pipeline guard before Start.
type Manager struct {
	logger     *slog.Logger
	dir        string
	client     *http.Client
	margin     time.Duration
	azOptions  *azidentity.ClientSecretCredentialOptions
	onRecreate func(*AuthRecreateRequired)

	guard PipelineGuard

	mu    sync.RWMutex
	creds map[string]*credential

	flight   singleflight.Group
	queue    chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithHTTPClient replaces the client used for token grants and probes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithExpiryMargin overrides how long before expiry a refresh is scheduled.
func WithExpiryMargin(margin time.Duration) Option {
	return func(m *Manager) { m.margin = margin }
}

// WithRecreateHandler registers a callback for AuthRecreateRequired notices.
// The notice is logged either way.
func WithRecreateHandler(fn func(*AuthRecreateRequired)) Option {
	return func(m *Manager) { m.onRecreate = fn }
}

// WithAzureCredentialOptions overrides the Entra client options, e.g. for
// sovereign clouds.
func WithAzureCredentialOptions(opts *azidentity.ClientSecretCredentialOptions) Option {
	return func(m *Manager) { m.azOptions = opts }
}

// NewManager builds a manager over the credential directory dir.
func NewManager(dir string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		dir:    dir,
		client: http.DefaultClient,
		margin: defaultExpiryMargin,
		creds:  make(map[string]*credential),
		queue:  make(chan string, refreshQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BindPipelines wires the pipeline guard. Must happen before Start; the
// guard does not exist yet when the manager is constructed.
func (m *Manager) BindPipelines(guard PipelineGuard) {
	m.guard = guard
}

// Add registers a file-backed credential. baseURL is the provider endpoint
// probed by ValidateWithAPI. Adding the same ref twice is a no-op.
func (m *Manager) Add(ref, provider, baseURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[ref]; ok {
		return nil
	}
	path := credentialPath(m.dir, ref)
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		m.logger.Warn("credential file is readable by other users",
			slog.String("ref", ref),
			slog.String("mode", info.Mode().Perm().String()))
	}
	f, err := readCredentialFile(path)
	if err != nil {
		return fmt.Errorf("credential %q: %w", ref, err)
	}
	src, err := newSource(f, path, m.client, m.azOptions)
	if err != nil {
		return fmt.Errorf("credential %q: %w", ref, err)
	}
	c := &credential{
		ref:      ref,
		provider: provider,
		baseURL:  baseURL,
		oauthURL: f.OAuthURL,
		source:   src,
		file:     f,
		state:    StateValid,
	}
	mat := initialMaterial(f)
	c.material.Store(&mat)
	m.creds[ref] = c
	return nil
}

// AddInline registers a static credential whose material came from the
// config document. It has no file and is refreshed from memory only.
func (m *Manager) AddInline(ref, provider, baseURL, key string) error {
	if key == "" {
		return fmt.Errorf("credential %q: inline api_key is empty", ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[ref]; ok {
		return nil
	}
	f := &File{Type: SourceStatic, APIKey: key}
	c := &credential{
		ref:      ref,
		provider: provider,
		baseURL:  baseURL,
		source:   &staticSource{},
		file:     f,
		state:    StateValid,
	}
	mat := initialMaterial(f)
	c.material.Store(&mat)
	m.creds[ref] = c
	return nil
}

// Start launches the refresh worker and schedules a refresh for every
// credential that has no material yet or is already near expiry.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.worker(ctx)
	for _, ref := range m.Refs() {
		c, _ := m.lookup(ref)
		if mat := c.material.Load(); mat.Token == "" || mat.expiresWithin(m.margin) {
			m.RefreshAuth(ref)
		}
	}
}

// Stop shuts the worker down and waits for in-flight refreshes. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case ref := <-m.queue:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
				defer cancel()
				m.refresh(rctx, ref)
			}()
		}
	}
}

// RefreshAuth schedules an asynchronous refresh and reports whether it was
// accepted. It never waits on the refresh itself.
func (m *Manager) RefreshAuth(ref string) bool {
	if _, ok := m.lookup(ref); !ok {
		return false
	}
	select {
	case m.queue <- ref:
		return true
	default:
		return false
	}
}

// CheckExpiry reports whether the credential's material is missing or inside
// the expiry margin.
func (m *Manager) CheckExpiry(ref string) bool {
	c, ok := m.lookup(ref)
	if !ok {
		return false
	}
	mat := c.material.Load()
	return mat.Token == "" || mat.expiresWithin(m.margin)
}

// ValidateWithAPI probes the provider's model listing with the current
// material. Only an explicit 401 or 403 condemns the credential; other
// failures say nothing about it.
func (m *Manager) ValidateWithAPI(ctx context.Context, ref string) bool {
	c, ok := m.lookup(ref)
	if !ok || c.baseURL == "" {
		return false
	}
	mat := c.material.Load()
	if mat.Token == "" {
		return false
	}
	url := strings.TrimSuffix(c.baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+mat.Token)
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("credential probe failed",
			slog.String("ref", ref),
			slog.String("error", err.Error()))
		return true
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
}

// Material returns the token a server stage should inject right now.
func (m *Manager) Material(ref string) (string, error) {
	c, ok := m.lookup(ref)
	if !ok {
		return "", fmt.Errorf("unknown credential %q", ref)
	}
	mat := c.material.Load()
	if mat.Token == "" {
		return "", fmt.Errorf("credential %q has no material yet", ref)
	}
	return mat.Token, nil
}

// ReportAuthFailure records that an upstream rejected the credential and
// schedules a refresh. Never blocks.
func (m *Manager) ReportAuthFailure(ref string) {
	c, ok := m.lookup(ref)
	if !ok {
		return
	}
	failures := c.authFailures.Add(1)
	m.logger.Warn("upstream rejected credential",
		slog.String("ref", ref),
		slog.Int("failures", int(failures)))
	m.RefreshAuth(ref)
}

// State reports the credential's lifecycle state.
func (m *Manager) State(ref string) (State, bool) {
	c, ok := m.lookup(ref)
	if !ok {
		return "", false
	}
	return c.currentState(), true
}

// Refs lists every registered credential in sorted order.
func (m *Manager) Refs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.creds))
}

func (m *Manager) lookup(ref string) (*credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[ref]
	return c, ok
}

func (m *Manager) refresh(ctx context.Context, ref string) {
	c, ok := m.lookup(ref)
	if !ok {
		return
	}
	_, _, _ = m.flight.Do(ref, func() (any, error) {
		m.doRefresh(ctx, c)
		return nil, nil
	})
}

func (m *Manager) doRefresh(ctx context.Context, c *credential) {
	origin := c.swapState(StateRefreshing)
	mat, err := c.source.Refresh(ctx, c.file)
	if err != nil {
		m.logger.Error("credential refresh failed",
			slog.String("ref", c.ref),
			slog.String("error", err.Error()))
		m.finishInvalid(c, origin)
		return
	}
	old := c.material.Load()
	changed := old == nil || old.Token != mat.Token
	c.material.Store(&mat)
	switch {
	case changed:
		c.authFailures.Store(0)
		m.logger.Info("credential refreshed",
			slog.String("ref", c.ref),
			slog.String("material", redaction.RedactString(mat.Token)),
			slog.Time("expiresAt", mat.ExpiresAt))
		m.finishValid(c, origin)
	case origin == StateInvalid, c.authFailures.Load() >= authFailureLimit:
		// The refresh produced the exact material the upstream keeps
		// rejecting. No amount of retrying fixes that.
		m.finishInvalid(c, origin)
	default:
		c.swapState(StateValid)
	}
}

func (m *Manager) finishValid(c *credential, origin State) {
	c.swapState(StateValid)
	if origin != StateInvalid {
		return
	}
	m.logger.Info("credential recovered", slog.String("ref", c.ref))
	if m.guard == nil {
		return
	}
	for _, id := range m.guard.PipelinesForCredential(c.ref) {
		m.guard.Resume(id)
	}
}

func (m *Manager) finishInvalid(c *credential, origin State) {
	c.swapState(StateInvalid)
	if origin == StateInvalid {
		return
	}
	notice := &AuthRecreateRequired{Ref: c.ref, Provider: c.provider, OAuthURL: c.oauthURL}
	m.logger.Error("credential requires recreation",
		slog.String("ref", c.ref),
		slog.String("provider", c.provider),
		slog.String("oauthUrl", c.oauthURL))
	if m.guard != nil {
		reason := fmt.Sprintf("credential %q is invalid", c.ref)
		for _, id := range m.guard.PipelinesForCredential(c.ref) {
			m.guard.Quarantine(id, reason)
		}
	}
	if m.onRecreate != nil {
		m.onRecreate(notice)
	}
}
