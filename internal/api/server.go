package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/ipfilter"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/models"
	"github.com/foxzi/chatblast/internal/receipts"
)

// Dispatcher controls campaign send loops
type Dispatcher interface {
	Start(ctx context.Context, campaignID string) error
	Pause(ctx context.Context, campaignID string) error
	Stop(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Progress(ctx context.Context, campaignID string) (*models.CampaignProgress, error)
	ResetLead(ctx context.Context, leadID string) (*models.Lead, error)
}

// CampaignStore persists campaigns
type CampaignStore interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	UpdateRotation(ctx context.Context, id string, cfg models.RotationConfig) error
}

// LeadStore imports campaign recipients
type LeadStore interface {
	Import(ctx context.Context, campaignID string, leads []models.LeadImport) (int, error)
}

// InstanceStore persists sending identities
type InstanceStore interface {
	Create(ctx context.Context, inst *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	List(ctx context.Context) ([]models.Instance, error)
	Delete(ctx context.Context, id string) error
}

// BindingStore persists campaign rotation pools
type BindingStore interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]models.CampaignInstance, error)
	Replace(ctx context.Context, campaignID string, instanceIDs []string, maxMessages *int) error
	Remove(ctx context.Context, campaignID, instanceID string) (bool, error)
	Toggle(ctx context.Context, campaignID, instanceID string) (bool, error)
	ResetCounters(ctx context.Context, campaignID string) error
}

// ReceiptSink accepts delivery receipts for asynchronous processing
type ReceiptSink interface {
	Enqueue(ctx context.Context, r *receipts.Receipt) error
	Len() (int, error)
	ListDLQ(ctx context.Context, limit int) ([]*receipts.Receipt, error)
}

// Deps groups the collaborators of the API server
type Deps struct {
	Engine    Dispatcher
	Campaigns CampaignStore
	Leads     LeadStore
	Instances InstanceStore
	Bindings  BindingStore
	Receipts  ReceiptSink
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	version    string
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		version:   version,
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Gateway callbacks carry their own shared secret
	webhookFilter := ipfilter.New(s.config.WebhookAllowedIPs, s.logger)
	s.router.With(webhookFilter.HTTPMiddleware, s.webhookAuthMiddleware).Post("/webhooks/gateway", s.handleGatewayWebhook)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleInstancesList)
			r.Post("/", s.handleInstancesCreate)
			r.Delete("/{id}", s.handleInstancesDelete)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCampaignCreate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleCampaignGet)
				r.Post("/leads", s.handleLeadsImport)

				r.Post("/start", s.handleCampaignStart)
				r.Post("/pause", s.handleCampaignPause)
				r.Post("/resume", s.handleCampaignResume)
				r.Post("/stop", s.handleCampaignStop)
				r.Get("/progress", s.handleCampaignProgress)

				r.Get("/instances", s.handleRotationGet)
				r.Put("/instances", s.handleRotationUpdate)
				r.Post("/instances/reset", s.handleRotationReset)
				r.Delete("/instances/{instanceID}", s.handleRotationRemove)
				r.Post("/instances/{instanceID}/toggle", s.handleRotationToggle)
			})
		})

		r.Post("/leads/{id}/reset", s.handleLeadReset)

		r.Get("/receipts/dead", s.handleDeadReceipts)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
