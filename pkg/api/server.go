// Package api exposes the HTTP surface: the JSON API for campaigns and
// calls, the provider webhook endpoints, the TwiML endpoints, and the two
// WebSocket upgrade points (dashboard hub and media stream).
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/bridge"
	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/crm"
	"github.com/kestrelcall/kestrel/pkg/database"
	"github.com/kestrelcall/kestrel/pkg/hub"
	"github.com/kestrelcall/kestrel/pkg/services"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// Server owns the echo instance and the handler dependencies.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg       config.ServerConfig
	aiSecret  string
	dbClient  *database.Client
	store     *store.Store
	bus       *bus.Bus
	campaigns *services.CampaignService
	calls     *services.CallService
	arbiter   *termination.Arbiter
	bridge    *bridge.Manager
	hub       *hub.Hub
	crm       *crm.Notifier

	logger *slog.Logger
}

// Deps bundles the collaborators the server delegates to. CRM may be nil
// (notifier disabled); everything else is required.
type Deps struct {
	DB        *database.Client
	Store     *store.Store
	Bus       *bus.Bus
	Campaigns *services.CampaignService
	Calls     *services.CallService
	Arbiter   *termination.Arbiter
	Bridge    *bridge.Manager
	Hub       *hub.Hub
	CRM       *crm.Notifier
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.ServerConfig, aiSecret string, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		aiSecret:  aiSecret,
		dbClient:  deps.DB,
		store:     deps.Store,
		bus:       deps.Bus,
		campaigns: deps.Campaigns,
		calls:     deps.Calls,
		arbiter:   deps.Arbiter,
		bridge:    deps.Bridge,
		hub:       deps.Hub,
		crm:       deps.CRM,
		logger:    slog.With("component", "api"),
	}

	e := echo.New()
	e.HTTPErrorHandler = s.errorHandler
	e.Use(requestID())
	e.Use(s.requestLogger())
	e.Use(securityHeaders())

	s.echo = e
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo

	// Unauthenticated probes.
	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)

	// Provider-facing endpoints. The provider cannot carry our bearer
	// token, so these stay outside the /api group; the webhook contract
	// (always 200) and the TwiML fallback depend on them never 401ing.
	e.POST("/call-status-callback", s.statusCallbackHandler)
	e.POST("/amd-status-callback", s.amdCallbackHandler)
	e.POST("/recording-status-callback", s.recordingCallbackHandler)
	e.POST("/quality-insights-callback", s.qualityCallbackHandler)
	e.POST("/outbound-call-twiml", s.outboundTwiMLHandler)
	e.POST("/fallback-twiml", s.fallbackTwiMLHandler)
	e.POST("/webhooks/elevenlabs", s.elevenLabsWebhookHandler)
	e.GET("/outbound-media-stream", s.mediaStreamHandler)

	// Dashboard WebSocket.
	e.GET("/ws", s.wsHandler)

	// JSON API, bearer-protected and rate-limited.
	api := e.Group("/api")
	api.Use(s.bearerAuth())
	api.Use(s.rateLimit())

	api.POST("/outbound-call", s.outboundCallHandler)

	api.POST("/campaigns", s.createCampaignHandler)
	api.GET("/campaigns", s.listCampaignsHandler)
	api.POST("/campaigns/start-from-csv", s.startFromCSVHandler)
	api.GET("/campaigns/:id", s.getCampaignHandler)
	api.PUT("/campaigns/:id", s.updateCampaignHandler)
	api.DELETE("/campaigns/:id", s.deleteCampaignHandler)
	api.POST("/campaigns/:id/start", s.startCampaignHandler)
	api.POST("/campaigns/:id/pause", s.pauseCampaignHandler)
	api.POST("/campaigns/:id/resume", s.resumeCampaignHandler)
	api.POST("/campaigns/:id/stop", s.stopCampaignHandler)
	api.POST("/campaigns/:id/contacts", s.addContactsHandler)

	api.GET("/calls", s.listCallsHandler)
	api.GET("/calls/:id", s.getCallHandler)
	api.GET("/calls/:id/events", s.listCallEventsHandler)
	api.GET("/calls/:id/transcript", s.getTranscriptHandler)
	api.POST("/calls/:id/terminate", s.terminateCallHandler)

	api.GET("/recordings/:id", s.getRecordingHandler)
	api.GET("/media/recordings/:id", s.streamRecordingHandler)
}

// Start begins serving on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an already-bound listener. Tests use this to
// bind 127.0.0.1:0 and discover the port before starting.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
