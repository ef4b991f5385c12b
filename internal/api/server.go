package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	apiHandlers "github.com/price-cache/internal/api/handlers"
	"github.com/price-cache/internal/batch"
	"github.com/price-cache/internal/cache"
	"github.com/price-cache/internal/database"
	"github.com/price-cache/internal/messaging"
	"github.com/price-cache/internal/universe"
	"github.com/price-cache/internal/websocket"
	"github.com/price-cache/pkg/config"
)

// Server represents the HTTP API server
type Server struct {
	cfg        *config.Config
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server

	// Dependencies
	mysqlDB    *database.MySQLClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient
	jobsHub    *websocket.Hub

	// API handlers
	barsHandler     *apiHandlers.BarsHandler
	jobsHandler     *apiHandlers.JobsHandler
	universeHandler *apiHandlers.UniverseHandler
}

// NewServer creates a new API server
func NewServer(
	cfg *config.Config,
	logger *logrus.Logger,
	mysqlDB *database.MySQLClient,
	redisCache *cache.RedisClient,
	natsClient *messaging.NATSClient,
	cacheManager *cache.Manager,
	orchestrator *batch.Orchestrator,
	universeManager *universe.Manager,
	jobsHub *websocket.Hub,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mysqlDB:    mysqlDB,
		redisCache: redisCache,
		natsClient: natsClient,
		jobsHub:    jobsHub,
	}

	s.barsHandler = apiHandlers.NewBarsHandler(cacheManager, cfg, logger)
	s.jobsHandler = apiHandlers.NewJobsHandler(orchestrator, cfg, logger)
	s.universeHandler = apiHandlers.NewUniverseHandler(universeManager, logger)

	s.setupRoutes()

	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	// Apply middleware FIRST, before defining routes
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	if s.cfg.Security.CORSEnabled {
		s.router.Use(s.corsMiddleware)
	}

	// Health check and the WebSocket job stream are served unversioned
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws/jobs", s.handleWebSocket).Methods("GET")

	// Versioned resource handlers
	s.barsHandler.RegisterRoutes(s.router)
	s.jobsHandler.RegisterRoutes(s.router)
	s.universeHandler.RegisterRoutes(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("port %d is already in use", s.cfg.Server.Port)
		}
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Error("Panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Security.CORSOrigins),
		handlers.AllowedMethods(s.cfg.Security.CORSMethods),
		handlers.AllowedHeaders(s.cfg.Security.CORSHeaders),
		handlers.AllowCredentials(),
	)(next)
}

// Handler functions

// handleHealth checks the health status of all system components
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]string{}
	overall := "healthy"

	check := func(name string, err error) {
		if err != nil {
			services[name] = "unhealthy: " + err.Error()
			overall = "degraded"
			return
		}
		services[name] = "healthy"
	}

	if s.mysqlDB != nil {
		check("mysql", s.mysqlDB.Health(ctx))
	}
	if s.redisCache != nil {
		check("redis", s.redisCache.Health(ctx))
	}
	if s.natsClient != nil {
		if s.natsClient.IsConnected() {
			services["nats"] = "healthy"
		} else {
			services["nats"] = "unhealthy: disconnected"
			overall = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":    overall,
		"services":  services,
		"timestamp": time.Now().Unix(),
	}
	if s.jobsHub != nil {
		health["websocket_clients"] = s.jobsHub.ConnectionCount()
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(health)
}

// handleWebSocket upgrades the connection and attaches it to the job hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.jobsHub == nil {
		http.Error(w, "WebSocket service unavailable", http.StatusInternalServerError)
		return
	}
	s.jobsHub.HandleWebSocket(w, r)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements the http.Hijacker interface to support WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
}
