package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

// PanelClient manages inbounds on the remote gateway panel. The panel
// speaks form-encoded requests with JSON envelope responses; settings
// and sniffing travel as JSON documents encoded into form fields.
type PanelClient struct {
	baseURL     string
	basePath    string
	session     *SessionManager
	maxAttempts int
	retryDelay  time.Duration
}

// NewPanelClient creates a panel client. Requests authenticate through
// the session manager's cookie jar.
func NewPanelClient(baseURL, basePath string, session *SessionManager, maxAttempts int, retryDelay time.Duration) *PanelClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &PanelClient{
		baseURL:     baseURL,
		basePath:    basePath,
		session:     session,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// panelResponse is the envelope every panel endpoint answers with
type panelResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// CreateInbound submits a new inbound and returns the panel-assigned id
func (c *PanelClient) CreateInbound(ctx context.Context, spec models.InboundSpec) (int64, error) {
	log.Printf("[PanelClient] Creating inbound (port: %d, protocol: %s)", spec.Port, spec.Protocol)

	var inboundID int64
	err := c.withRetry(ctx, "create inbound", func(ctx context.Context) error {
		var result panelResponse
		if err := c.postForm(ctx, "/panel/inbound/add", specForm(spec, 0), &result); err != nil {
			return err
		}
		if !result.Success {
			return &ApplicationRejection{Op: "create inbound", Msg: result.Msg}
		}

		var obj struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(result.Obj, &obj); err != nil {
			return fmt.Errorf("decode inbound object: %w", err)
		}
		if obj.ID == 0 {
			return fmt.Errorf("panel response missing inbound id")
		}
		inboundID = obj.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[PanelClient] Inbound created (id: %d)", inboundID)
	return inboundID, nil
}

// GetInbound fetches the panel's current view of an inbound
func (c *PanelClient) GetInbound(ctx context.Context, inboundID int64) (*models.InboundSnapshot, error) {
	var snapshot *models.InboundSnapshot
	err := c.withRetry(ctx, "get inbound", func(ctx context.Context) error {
		var result panelResponse
		path := fmt.Sprintf("/panel/api/inbounds/get/%d", inboundID)
		if err := c.getJSON(ctx, path, &result); err != nil {
			return err
		}
		if !result.Success || len(result.Obj) == 0 || string(result.Obj) == "null" {
			return ErrInboundNotFound
		}

		var snap models.InboundSnapshot
		if err := json.Unmarshal(result.Obj, &snap); err != nil {
			return fmt.Errorf("decode inbound object: %w", err)
		}
		snapshot = &snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// UpdateInbound resubmits the full inbound spec. The panel replaces the
// stored inbound wholesale, so the spec must carry every field.
func (c *PanelClient) UpdateInbound(ctx context.Context, inboundID int64, spec models.InboundSpec) error {
	log.Printf("[PanelClient] Updating inbound (id: %d, enable: %t)", inboundID, spec.Enable)

	return c.withRetry(ctx, "update inbound", func(ctx context.Context) error {
		var result panelResponse
		if err := c.postForm(ctx, "/panel/inbound/update", specForm(spec, inboundID), &result); err != nil {
			return err
		}
		if !result.Success {
			return &ApplicationRejection{Op: "update inbound", Msg: result.Msg}
		}
		return nil
	})
}

// DeleteInbound removes an inbound from the panel entirely
func (c *PanelClient) DeleteInbound(ctx context.Context, inboundID int64) error {
	log.Printf("[PanelClient] Deleting inbound (id: %d)", inboundID)

	return c.withRetry(ctx, "delete inbound", func(ctx context.Context) error {
		var result panelResponse
		path := fmt.Sprintf("/panel/inbound/del/%d", inboundID)
		if err := c.postForm(ctx, path, url.Values{}, &result); err != nil {
			return err
		}
		if !result.Success {
			return &ApplicationRejection{Op: "delete inbound", Msg: result.Msg}
		}
		return nil
	})
}

// ListInbounds returns the panel's full inbound listing
func (c *PanelClient) ListInbounds(ctx context.Context) ([]models.InboundSnapshot, error) {
	var inbounds []models.InboundSnapshot
	err := c.withRetry(ctx, "list inbounds", func(ctx context.Context) error {
		var result panelResponse
		if err := c.getJSON(ctx, "/panel/api/inbounds/list", &result); err != nil {
			return err
		}
		if !result.Success {
			return &ApplicationRejection{Op: "list inbounds", Msg: result.Msg}
		}

		var snaps []models.InboundSnapshot
		if len(result.Obj) > 0 && string(result.Obj) != "null" {
			if err := json.Unmarshal(result.Obj, &snaps); err != nil {
				return fmt.Errorf("decode inbound list: %w", err)
			}
		}
		inbounds = snaps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inbounds, nil
}

// withRetry runs one panel operation under the retry-on-auth-failure
// policy: transport and HTTP-status failures invalidate the session and
// retry after a short fixed delay, up to maxAttempts. Application
// rejections and not-found answers are definite and return immediately.
// Auth failures are fatal for the operation; the session manager already
// collapsed concurrent logins into one attempt.
func (c *PanelClient) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.session.EnsureAuthenticated(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var rejection *ApplicationRejection
		if errors.As(err, &rejection) {
			return err
		}
		if errors.Is(err, ErrInboundNotFound) {
			return err
		}

		lastErr = err
		c.session.Invalidate()

		if attempt < c.maxAttempts {
			log.Printf("[PanelClient] %s failed (attempt %d/%d), re-login and retry: %v", op, attempt, c.maxAttempts, err)
			select {
			case <-ctx.Done():
				return &GatewayError{Op: op, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}
	}
	return &GatewayError{Op: op, Attempts: c.maxAttempts, Err: lastErr}
}

func (c *PanelClient) postForm(ctx context.Context, path string, form url.Values, out *panelResponse) error {
	endpoint := panelEndpoint(c.baseURL, c.basePath, path)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	return c.do(req, out)
}

func (c *PanelClient) getJSON(ctx context.Context, path string, out *panelResponse) error {
	endpoint := panelEndpoint(c.baseURL, c.basePath, path)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	return c.do(req, out)
}

func (c *PanelClient) do(req *http.Request, out *panelResponse) error {
	resp, err := c.session.HTTPClient().Do(req)
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

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
	}
	return nil
}

// specForm encodes an inbound spec into the panel's form field set.
// inboundID > 0 marks an update, which carries the id in the body.
func specForm(spec models.InboundSpec, inboundID int64) url.Values {
	form := url.Values{}
	if inboundID > 0 {
		form.Set("id", strconv.FormatInt(inboundID, 10))
	}
	form.Set("up", strconv.FormatInt(spec.Up, 10))
	form.Set("down", strconv.FormatInt(spec.Down, 10))
	form.Set("total", strconv.FormatInt(spec.Total, 10))
	form.Set("remark", spec.Remark)
	if spec.Tag != "" {
		form.Set("tag", spec.Tag)
	}
	form.Set("enable", strconv.FormatBool(spec.Enable))
	form.Set("expiryTime", strconv.FormatInt(spec.ExpiryTime, 10))
	form.Set("listen", spec.Listen)
	form.Set("port", strconv.Itoa(spec.Port))
	form.Set("protocol", spec.Protocol)
	form.Set("settings", spec.Settings)
	if spec.StreamSettings != "" {
		form.Set("streamSettings", spec.StreamSettings)
	}
	form.Set("sniffing", spec.Sniffing)
	return form
}
