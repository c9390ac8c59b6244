// Package e2e boots the complete service against a real database and drives
// it the way production traffic does: campaigns and calls over HTTP,
// provider webhooks as form posts, and the dashboard over WebSocket. Only
// the telephony provider is replaced, by a scripted dialer that inserts real
// call rows.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/api"
	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/database"
	"github.com/kestrelcall/kestrel/pkg/engine"
	"github.com/kestrelcall/kestrel/pkg/hub"
	"github.com/kestrelcall/kestrel/pkg/services"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/termination"
	"github.com/kestrelcall/kestrel/test/util"
)

const (
	testAPIKey        = "e2e-api-key"
	testWebhookSecret = "e2e-webhook-secret"
	testPublicURL     = "https://kestrel.example.com"
)

// TestApp boots a complete instance for end-to-end testing.
type TestApp struct {
	// Core
	DBClient *database.Client
	Store    *store.Store
	Bus      *bus.Bus

	// Test wiring
	Dialer *ScriptedDialer

	// Real infrastructure
	Engine *engine.Engine
	Hub    *hub.Hub
	Server *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	defaults config.DialerDefaults
	lockTTL  time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithDialerDefaults overrides the engine pacing knobs applied to campaigns
// that do not set their own.
func WithDialerDefaults(d config.DialerDefaults) TestAppOption {
	return func(c *testAppConfig) { c.defaults = d }
}

// WithLockTTL overrides the contact claim lock TTL.
func WithLockTTL(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.lockTTL = d }
}

// NewTestApp creates and starts a full test instance on a random port.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	// Apply options. The dial interval is short so campaign runs finish in
	// test time.
	tc := &testAppConfig{
		defaults: config.DialerDefaults{
			CallDelay:          20 * time.Millisecond,
			MaxConcurrentCalls: 3,
			RetryCount:         1,
			RetryDelay:         time.Minute,
		},
		lockTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// 1. Database and store.
	dbClient := util.SetupTestDatabase(t)
	st := store.New(dbClient)

	// 2. Bus, attribution arbiter, scripted telephony.
	b := bus.New()
	arb := termination.New(st)
	dialer := NewScriptedDialer(st)

	// 3. Campaign engine dialing through the scripted provider.
	eng := engine.New(st, dialer, b, tc.defaults, tc.lockTTL)
	eng.Start(context.Background())

	// 4. Domain services and the dashboard hub.
	campaigns := services.NewCampaignService(st, eng, b, tc.defaults)
	calls := services.NewCallService(st, dialer, nil, arb)
	dash := hub.New(b, hub.NewStoreSnapshots(st))

	// 5. HTTP server on a random port.
	server := api.NewServer(config.ServerConfig{
		PublicURL: testPublicURL,
		APIKey:    testAPIKey,
	}, testWebhookSecret, api.Deps{
		DB:        dbClient,
		Store:     st,
		Bus:       b,
		Campaigns: campaigns,
		Calls:     calls,
		Arbiter:   arb,
		Hub:       dash,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		DBClient: dbClient,
		Store:    st,
		Bus:      b,
		Dialer:   dialer,
		Engine:   eng,
		Hub:      dash,
		Server:   server,
		BaseURL:  fmt.Sprintf("http://%s", addr),
		WSURL:    fmt.Sprintf("ws://%s/ws", addr),
		t:        t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		eng.Shutdown(shutdownCtx)
		dash.Shutdown()
		// Database cleanup is handled by util.SetupTestDatabase.
	})

	return app
}

// DialDashboard opens a dashboard socket and waits for the hello frame.
func (app *TestApp) DialDashboard(t *testing.T) *WSClient {
	t.Helper()

	ws, err := WSConnect(context.Background(), app.WSURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	_, err = ws.WaitForEventNamed(hub.EventConnectionEstablished, 5*time.Second)
	require.NoError(t, err, "no connection.established frame")
	return ws
}
