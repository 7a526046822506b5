package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

const testBasePath = "x7k2Tq9Zb"

// fakePanel is a minimal 3x-ui style panel for client tests
type fakePanel struct {
	srv *httptest.Server

	logins  atomic.Int32
	loginOK atomic.Bool

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()

	p := &fakePanel{handlers: make(map[string]http.HandlerFunc)}
	p.loginOK.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/"+testBasePath+"/login", func(w http.ResponseWriter, r *http.Request) {
		p.logins.Add(1)
		if !p.loginOK.Load() {
			fmt.Fprint(w, `{"success":false,"msg":"invalid credentials"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123", Path: "/"})
		fmt.Fprint(w, `{"success":true,"msg":""}`)
	})
	mux.HandleFunc("/"+testBasePath+"/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		h, ok := p.handlers[r.URL.Path]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePanel) handle(path string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers["/"+testBasePath+path] = h
}

func (p *fakePanel) session(t *testing.T) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(p.srv.URL, testBasePath, "admin", "secret")
	require.NoError(t, err)
	return m
}

func (p *fakePanel) client(t *testing.T) *PanelClient {
	t.Helper()
	return NewPanelClient(p.srv.URL, testBasePath, p.session(t), 3, time.Millisecond)
}

func TestSessionManager_SingleFlightLogin(t *testing.T) {
	panel := newFakePanel(t)
	session := panel.session(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = session.EnsureAuthenticated(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), panel.logins.Load(), "concurrent callers must share one login")
}

func TestSessionManager_InvalidCredentials(t *testing.T) {
	panel := newFakePanel(t)
	panel.loginOK.Store(false)
	session := panel.session(t)

	err := session.EnsureAuthenticated(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestSessionManager_InvalidateForcesRelogin(t *testing.T) {
	panel := newFakePanel(t)
	session := panel.session(t)

	require.NoError(t, session.EnsureAuthenticated(context.Background()))
	require.NoError(t, session.EnsureAuthenticated(context.Background()))
	assert.Equal(t, int32(1), panel.logins.Load())

	session.Invalidate()
	require.NoError(t, session.EnsureAuthenticated(context.Background()))
	assert.Equal(t, int32(2), panel.logins.Load())
}

func TestPanelClient_CreateInbound(t *testing.T) {
	panel := newFakePanel(t)

	var gotForm map[string]string
	panel.handle("/panel/inbound/add", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session"); err != nil {
			fmt.Fprint(w, `{"success":false,"msg":"not authenticated"}`)
			return
		}
		assert.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"remark":   r.PostFormValue("remark"),
			"tag":      r.PostFormValue("tag"),
			"enable":   r.PostFormValue("enable"),
			"port":     r.PostFormValue("port"),
			"protocol": r.PostFormValue("protocol"),
			"settings": r.PostFormValue("settings"),
			"sniffing": r.PostFormValue("sniffing"),
		}
		fmt.Fprint(w, `{"success":true,"msg":"","obj":{"id":42}}`)
	})

	spec := models.InboundSpec{
		Remark:   "IRIP-u1-alice_1a2b3c4d",
		Tag:      "IRIP-u1-alice_1a2b3c4d",
		Enable:   true,
		Port:     23456,
		Protocol: models.ProtocolWireGuard,
		Settings: `{"peers":[]}`,
		Sniffing: `{"enabled":true}`,
	}

	id, err := panel.client(t).CreateInbound(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	assert.Equal(t, "IRIP-u1-alice_1a2b3c4d", gotForm["remark"])
	assert.Equal(t, "IRIP-u1-alice_1a2b3c4d", gotForm["tag"])
	assert.Equal(t, "true", gotForm["enable"])
	assert.Equal(t, "23456", gotForm["port"])
	assert.Equal(t, "wireguard", gotForm["protocol"])
	assert.Equal(t, `{"peers":[]}`, gotForm["settings"])
	assert.Equal(t, `{"enabled":true}`, gotForm["sniffing"])
}

func TestPanelClient_RetryOnTransportFailure(t *testing.T) {
	panel := newFakePanel(t)

	var addCalls atomic.Int32
	panel.handle("/panel/inbound/add", func(w http.ResponseWriter, r *http.Request) {
		if addCalls.Add(1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"success":true,"msg":"","obj":{"id":7}}`)
	})

	id, err := panel.client(t).CreateInbound(context.Background(), models.InboundSpec{
		Port: 10001, Protocol: models.ProtocolWireGuard, Enable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int32(3), addCalls.Load())
	// Each failed attempt invalidates the session and re-logins
	assert.Equal(t, int32(3), panel.logins.Load())
}

func TestPanelClient_GatewayErrorAfterRetriesExhausted(t *testing.T) {
	panel := newFakePanel(t)

	var addCalls atomic.Int32
	panel.handle("/panel/inbound/add", func(w http.ResponseWriter, r *http.Request) {
		addCalls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := panel.client(t).CreateInbound(context.Background(), models.InboundSpec{
		Port: 10001, Protocol: models.ProtocolWireGuard,
	})
	require.Error(t, err)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, 3, gwErr.Attempts)
	assert.Equal(t, int32(3), addCalls.Load())
}

func TestPanelClient_NoRetryOnRejection(t *testing.T) {
	panel := newFakePanel(t)

	var addCalls atomic.Int32
	panel.handle("/panel/inbound/add", func(w http.ResponseWriter, r *http.Request) {
		addCalls.Add(1)
		fmt.Fprint(w, `{"success":false,"msg":"port already in use"}`)
	})

	_, err := panel.client(t).CreateInbound(context.Background(), models.InboundSpec{
		Port: 10001, Protocol: models.ProtocolWireGuard,
	})
	require.Error(t, err)

	var rejection *ApplicationRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "port already in use", rejection.Msg)
	assert.Equal(t, int32(1), addCalls.Load(), "rejections must not be retried")
}

func TestPanelClient_GetInbound(t *testing.T) {
	panel := newFakePanel(t)

	panel.handle("/panel/api/inbounds/get/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		fmt.Fprint(w, `{"success":true,"msg":"","obj":{"id":42,"up":123,"down":456,"enable":true,"port":23456,"protocol":"wireguard","settings":"{}","sniffing":"{}"}}`)
	})

	snap, err := panel.client(t).GetInbound(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.ID)
	assert.Equal(t, int64(123), snap.Up)
	assert.Equal(t, int64(456), snap.Down)
	assert.True(t, snap.Enable)
	assert.Equal(t, 23456, snap.Port)
}

func TestPanelClient_GetInbound_NotFound(t *testing.T) {
	panel := newFakePanel(t)

	panel.handle("/panel/api/inbounds/get/99", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"msg":"record not found","obj":null}`)
	})

	_, err := panel.client(t).GetInbound(context.Background(), 99)
	assert.ErrorIs(t, err, ErrInboundNotFound)
}

func TestPanelClient_UpdateInbound_ResendsFullSpec(t *testing.T) {
	panel := newFakePanel(t)

	var gotForm map[string]string
	panel.handle("/panel/inbound/update", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"id":         r.PostFormValue("id"),
			"up":         r.PostFormValue("up"),
			"down":       r.PostFormValue("down"),
			"enable":     r.PostFormValue("enable"),
			"expiryTime": r.PostFormValue("expiryTime"),
			"port":       r.PostFormValue("port"),
			"settings":   r.PostFormValue("settings"),
		}
		fmt.Fprint(w, `{"success":true,"msg":""}`)
	})

	spec := models.InboundSpec{
		Up: 11, Down: 22, Total: 0,
		Remark:     "IRIP-u1-alice_1a2b3c4d",
		Enable:     false,
		ExpiryTime: 1700000000,
		Port:       23456,
		Protocol:   models.ProtocolWireGuard,
		Settings:   `{"peers":[]}`,
		Sniffing:   `{"enabled":true}`,
	}

	err := panel.client(t).UpdateInbound(context.Background(), 42, spec)
	require.NoError(t, err)

	assert.Equal(t, "42", gotForm["id"])
	assert.Equal(t, "11", gotForm["up"])
	assert.Equal(t, "22", gotForm["down"])
	assert.Equal(t, "false", gotForm["enable"])
	assert.Equal(t, "1700000000", gotForm["expiryTime"])
	assert.Equal(t, "23456", gotForm["port"])
	assert.Equal(t, `{"peers":[]}`, gotForm["settings"])
}

func TestPanelClient_DeleteInbound(t *testing.T) {
	panel := newFakePanel(t)

	var deleted atomic.Bool
	panel.handle("/panel/inbound/del/42", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		deleted.Store(true)
		fmt.Fprint(w, `{"success":true,"msg":""}`)
	})

	err := panel.client(t).DeleteInbound(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, deleted.Load())
}

func TestPanelClient_ListInbounds(t *testing.T) {
	panel := newFakePanel(t)

	panel.handle("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"msg":"","obj":[{"id":1,"port":10001},{"id":2,"port":10002}]}`)
	})

	inbounds, err := panel.client(t).ListInbounds(context.Background())
	require.NoError(t, err)
	require.Len(t, inbounds, 2)
	assert.Equal(t, int64(1), inbounds[0].ID)
	assert.Equal(t, int64(2), inbounds[1].ID)
}

func TestPanelClient_AuthFailureIsFatal(t *testing.T) {
	panel := newFakePanel(t)
	panel.loginOK.Store(false)

	var addCalls atomic.Int32
	panel.handle("/panel/inbound/add", func(w http.ResponseWriter, r *http.Request) {
		addCalls.Add(1)
		fmt.Fprint(w, `{"success":true,"msg":"","obj":{"id":1}}`)
	})

	_, err := panel.client(t).CreateInbound(context.Background(), models.InboundSpec{
		Port: 10001, Protocol: models.ProtocolWireGuard,
	})
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, int32(0), addCalls.Load(), "operation must not run without a session")
}
