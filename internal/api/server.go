// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/video-batcher/internal/job"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// Service interfaces for dependency injection and testing

// BatchServiceInterface defines the batch operations exposed over HTTP
type BatchServiceInterface interface {
	CreateBatch(ctx context.Context, input *job.CreateBatchInput) (*models.Batch, error)
	GetBatch(ctx context.Context, userID, batchID string) (*models.Batch, error)
	ResumeBatch(ctx context.Context, userID, batchID string) (*models.Batch, error)
	ListBatchJobs(ctx context.Context, userID, batchID string) ([]*models.GenerationJob, error)
	GetJob(ctx context.Context, userID, jobID string) (*models.GenerationJob, error)
}

// OrchestratorInterface defines the user-driven phase operations
type OrchestratorInterface interface {
	RunExtensionPhase(ctx context.Context, userID, jobID string, edit *job.SceneEdit) (*models.GenerationJob, error)
	RetryFailedPhase(ctx context.Context, userID, jobID string, edit *job.SceneEdit) (*models.GenerationJob, error)
}

// StitchingServiceInterface defines the stitch operation
type StitchingServiceInterface interface {
	RequestStitch(ctx context.Context, userID, jobID string, trimSeconds float64) (*models.GenerationJob, error)
}

// CreditServiceInterface defines the credit operations exposed over HTTP
type CreditServiceInterface interface {
	GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error)
	Grant(ctx context.Context, userID string, credits int64, idempotencyKey string, txType types.TransactionType, metadata map[string]interface{}) (bool, error)
}

// CallbackHandlerInterface applies render provider callbacks
type CallbackHandlerInterface interface {
	HandleRenderCallback(ctx context.Context, cb job.RenderCallback) error
}

// AnalyticsInterface reads aggregated phase events
type AnalyticsInterface interface {
	FailureCounts(ctx context.Context, userID string) ([]storage.PhaseFailureCount, error)
}

// QueueInspector reports how many batches wait for a worker
type QueueInspector interface {
	Len(ctx context.Context) (int64, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services bundles the handlers' collaborators. Analytics and Queue may be nil.
type Services struct {
	Batches      BatchServiceInterface
	Orchestrator OrchestratorInterface
	Stitching    StitchingServiceInterface
	Credits      CreditServiceInterface
	Callbacks    CallbackHandlerInterface
	Analytics    AnalyticsInterface
	Queue        QueueInspector
	Health       map[string]HealthChecker
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host                string
	Port                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	RequestsPerSecond   int
	Burst               int
	PaymentSecret       string
	RenderCallbackToken string
	Logger              *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters
	if s.config.Logger != nil {
		logger := s.config.Logger
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
			})
		})
	}
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes(rateLimiter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(rateLimiter *RateLimiter) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RequireUserMiddleware)
	api.Use(RateLimitMiddleware(rateLimiter))

	// Batch endpoints
	api.HandleFunc("/batches", s.handleCreateBatch).Methods("POST")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/resume", s.handleResumeBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/jobs", s.handleListBatchJobs).Methods("GET")

	// Job endpoints
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/extend", s.handleExtendJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/stitch", s.handleStitchJob).Methods("POST")

	// Credit endpoints
	api.HandleFunc("/credits/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/credits/transactions", s.handleListTransactions).Methods("GET")

	// Analytics endpoints
	api.HandleFunc("/analytics/failures", s.handleFailureSummary).Methods("GET")

	// Webhooks authenticate with their own secrets (no rate limiting)
	s.router.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")
	s.router.HandleFunc("/webhooks/render", s.handleRenderWebhook).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.services.Health))
	for name, checker := range s.services.Health {
		if err := checker.Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	body := map[string]interface{}{
		"status":  overall,
		"service": "video-batcher",
		"checks":  checks,
	}
	if s.services.Queue != nil {
		if depth, err := s.services.Queue.Len(ctx); err == nil {
			body["queueDepth"] = depth
		}
	}
	respondJSON(w, status, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
