// ztad is the zero-trust access daemon: a thin HTTP shell over the
// access controller, plus a gRPC health endpoint and Prometheus metrics.
// All decisions live in the library packages; this binary only does
// transport, wiring and shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/access"
	"github.com/ztsec/zerotrust-core/pkg/ca"
	"github.com/ztsec/zerotrust-core/pkg/entity"
	"github.com/ztsec/zerotrust-core/pkg/events"
	"github.com/ztsec/zerotrust-core/pkg/idp"
	"github.com/ztsec/zerotrust-core/pkg/policy"
	"github.com/ztsec/zerotrust-core/pkg/session"
	"github.com/ztsec/zerotrust-core/pkg/trust"
)

// Server holds the daemon's wiring.
type Server struct {
	settings   *config.Settings
	middleware *interpose.Middleware
	router     *mux.Router
	controller *access.Controller
	provider   *idp.MemoryProvider
	eventLog   *events.Logger
	logger     *log.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
}

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	logger := log.StandardLogger()

	settings := config.DefaultSettings()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to load configuration")
		}
		settings = loaded
	}
	configureLogging(logger, settings.Logging)

	server, err := buildServer(settings, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize server")
	}

	server.controller.Start()
	server.startHealthServer()

	go func() {
		logger.WithField("addr", settings.Server.Bind).Info("HTTP server starting")
		if err := server.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown error")
	}
	if server.grpcServer != nil {
		server.grpcServer.GracefulStop()
	}
	if err := server.controller.Stop(); err != nil {
		logger.WithError(err).Warn("Background task shutdown error")
	}
	if err := server.eventLog.Close(); err != nil {
		logger.WithError(err).Warn("Event logger shutdown error")
	}
	logger.Info("Shutdown complete")
}

func configureLogging(logger *log.Logger, cfg config.LoggingConfig) {
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}

func buildServer(settings *config.Settings, logger *log.Logger) (*Server, error) {
	origin, err := trust.NewOriginChecker(settings.Trust.GeoIPDatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	evaluator := trust.NewEvaluator(settings.Trust, origin)

	authority, err := ca.NewAuthority(settings.Authority, logger)
	if err != nil {
		// CryptoInitError is fatal; running without a CA is not an option.
		return nil, err
	}

	var store events.Store
	if settings.Server.DataDir != "" {
		if err := os.MkdirAll(settings.Server.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err = events.NewSQLiteStore(filepath.Join(settings.Server.DataDir, "events.db"))
		if err != nil {
			return nil, err
		}
	}

	var counters events.CounterBackend
	var revocations session.RevocationStore
	if settings.Backend.Type == "redis" {
		counters, err = events.NewRedisCounters(
			settings.Backend.Redis.Addr,
			settings.Backend.Redis.Password,
			settings.Backend.Redis.DB,
			settings.Backend.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		revocations, err = session.NewRedisRevocations(settings.Backend.Redis)
		if err != nil {
			return nil, err
		}
	}

	eventLog := events.NewLogger(settings.Events, store, counters, logger)

	provider := idp.NewMemoryProvider()
	guarded := idp.NewBreaker(provider, idp.DefaultBreakerConfig(), logger)
	sessions, err := session.NewManager(settings.Sessions, settings.Tokens, guarded, revocations, logger)
	if err != nil {
		return nil, err
	}

	entities := entity.NewStore()
	policies := policy.NewEngine()
	controller := access.NewController(settings, entities, authority, evaluator, policies, sessions, eventLog, logger)

	middle := interpose.New()
	router := mux.NewRouter()

	server := &Server{
		settings:   settings,
		middleware: middle,
		router:     router,
		controller: controller,
		provider:   provider,
		eventLog:   eventLog,
		logger:     logger,
	}
	server.registerRoutes()

	middle.Use(requestLogging(logger))
	middle.Use(recovery(logger))
	middle.UseHandler(router)

	server.httpServer = &http.Server{
		Addr:         settings.Server.Bind,
		Handler:      middle,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return server, nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/entities", s.handleRegisterEntity).Methods("POST")
	s.router.HandleFunc("/accounts", s.handleRegisterAccount).Methods("POST")
	s.router.HandleFunc("/auth", s.handleAuthenticate).Methods("POST")
	s.router.HandleFunc("/authorize", s.handleAuthorize).Methods("POST")
	s.router.HandleFunc("/lockdown", s.handleInitiateLockdown).Methods("POST")
	s.router.HandleFunc("/lockdown", s.handleLiftLockdown).Methods("DELETE")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) startHealthServer() {
	bind := s.settings.Server.HealthBind
	if bind == "" {
		return
	}
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		s.logger.WithError(err).Fatal("Failed to listen on health address")
	}

	s.grpcServer = grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, healthServer)

	go func() {
		s.logger.WithField("addr", bind).Info("gRPC health server starting")
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.WithError(err).Error("gRPC health server error")
		}
	}()
}

type registerEntityRequest struct {
	EntityID    string   `json:"entity_id"`
	EntityType  string   `json:"entity_type"`
	IPAddresses []string `json:"ip_addresses"`
	MACAddress  string   `json:"mac_address,omitempty"`
}

func (s *Server) handleRegisterEntity(w http.ResponseWriter, r *http.Request) {
	var req registerEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, cert, err := s.controller.RegisterEntity(r.Context(), req.EntityID, entity.EntityType(req.EntityType), req.IPAddresses, req.MACAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"entity":      e,
		"certificate": string(cert.CertificatePEM),
		"private_key": string(cert.PrivateKeyPEM),
		"fingerprint": cert.Fingerprint,
		"not_after":   cert.NotAfter,
	})
}

type registerAccountRequest struct {
	EntityID    string   `json:"entity_id"`
	Credentials string   `json:"credentials"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// handleRegisterAccount seeds the in-process identity provider. A real
// deployment would integrate an external provider instead.
func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntityID == "" || req.Credentials == "" {
		writeError(w, http.StatusBadRequest, "entity_id and credentials are required")
		return
	}
	s.provider.Register(req.EntityID, req.Credentials, req.Role, req.Permissions)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

type authenticateRequest struct {
	EntityID    string `json:"entity_id"`
	Credentials string `json:"credentials"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.controller.AuthenticateEntity(r.Context(), req.EntityID, req.Credentials, clientIP(r), r.UserAgent())
	status := http.StatusOK
	if !result.Authenticated {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

type authorizeRequest struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	NetworkZone string `json:"network_zone,omitempty"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.controller.AuthorizeAccess(r.Context(), access.AuthorizeRequest{
		Token:       bearerToken(r),
		Resource:    req.Resource,
		Action:      req.Action,
		SourceIP:    clientIP(r),
		NetworkZone: req.NetworkZone,
	})
	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, result)
}

type lockdownRequest struct {
	Reason string `json:"reason"`
	Who    string `json:"who"`
}

func (s *Server) handleInitiateLockdown(w http.ResponseWriter, r *http.Request) {
	var req lockdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.controller.InitiateLockdown(r.Context(), bearerToken(r), req.Reason, req.Who); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "LOCKDOWN"})
}

func (s *Server) handleLiftLockdown(w http.ResponseWriter, r *http.Request) {
	var req lockdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.controller.LiftLockdown(r.Context(), bearerToken(r), req.Reason, req.Who); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "OPERATIONAL"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.SecurityStatus())
}

// handleEvents queries the audit trail. Reading the trail is itself an
// audited operation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims, err := s.controller.ValidateToken(bearerToken(r), "audit:read")
	if err != nil {
		writeError(w, http.StatusForbidden, "audit access denied")
		return
	}

	filter := events.QueryFilter{
		EventType: events.EventType(r.URL.Query().Get("type")),
		EntityID:  r.URL.Query().Get("entity_id"),
		SourceIP:  r.URL.Query().Get("source_ip"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}

	s.eventLog.Log(r.Context(), events.Entry{
		Type:        events.EventAuditLogAccess,
		Severity:    events.SeverityInfo,
		Description: fmt.Sprintf("audit log queried by %s", claims.EntityID),
		EntityID:    claims.EntityID,
		SourceIP:    clientIP(r),
		Component:   "ztad",
	})

	result, err := s.eventLog.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"state":  s.controller.CurrentState().String(),
	})
}

func requestLogging(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   clientIP(r),
				"duration": time.Since(start),
			}).Debug("Request handled")
		})
	}
}

func recovery(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithField("panic", rec).Error("Handler panic recovered")
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
