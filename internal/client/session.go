package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionManager owns the authenticated session against the gateway
// panel. The panel authenticates with a login cookie, so the manager
// holds the process-wide cookie jar and every panel request goes through
// its http client. Login is single-flight: concurrent callers observing
// an invalid session wait on one login round-trip and share its outcome.
type SessionManager struct {
	loginURL   string
	username   string
	password   string
	httpClient *http.Client

	valid atomic.Bool
	group singleflight.Group
}

// NewSessionManager creates a session manager for the panel at baseURL
// with the given web base path segment.
func NewSessionManager(baseURL, basePath, username, password string) (*SessionManager, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &SessionManager{
		loginURL: panelEndpoint(baseURL, basePath, "/login"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}, nil
}

// HTTPClient returns the client carrying the session cookies
func (m *SessionManager) HTTPClient() *http.Client {
	return m.httpClient
}

// Invalidate forces the next EnsureAuthenticated call to re-login
func (m *SessionManager) Invalidate() {
	m.valid.Store(false)
}

// EnsureAuthenticated makes sure the session is logged in
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) error {
	if m.valid.Load() {
		return nil
	}

	_, err, _ := m.group.Do("login", func() (interface{}, error) {
		// A racing caller may have completed the login already
		if m.valid.Load() {
			return nil, nil
		}
		if err := m.login(ctx); err != nil {
			return nil, err
		}
		m.valid.Store(true)
		return nil, nil
	})
	if err != nil {
		return &AuthError{Err: err}
	}
	return nil
}

func (m *SessionManager) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", m.username)
	form.Set("password", m.password)

	req, err := http.NewRequestWithContext(ctx, "POST", m.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("panel returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}
	if !result.Success {
		return fmt.Errorf("login rejected: %s", result.Msg)
	}

	log.Printf("[Session] Logged in to panel")
	return nil
}

// panelEndpoint joins the panel base URL, its web base path, and an
// endpoint path into one URL.
func panelEndpoint(baseURL, basePath, path string) string {
	base := strings.TrimSuffix(baseURL, "/")
	segment := strings.Trim(basePath, "/")
	if segment == "" {
		return base + path
	}
	return base + "/" + segment + path
}
