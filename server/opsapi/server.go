// Package opsapi is the operator HTTP API: health, metrics and a handful of
// maintenance endpoints for rules, mailboxes and the outbox.
package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/health"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/engine"
	"github.com/migadu/ruled/server/idgen"
	"github.com/migadu/ruled/server/ingest"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestor runs messages through the rule chain.
type Ingestor interface {
	TrySubmit(ctx context.Context, messageID int64) (<-chan ingest.Result, error)
	ApplyNow(ctx context.Context, messageID int64) (*engine.Report, error)
}

// ConditionTester dry-runs a condition against a stored message.
type ConditionTester interface {
	TestCondition(ctx context.Context, cond *rules.Condition, messageID int64) (bool, error)
}

// Recalculator rebuilds mailbox counters.
type Recalculator interface {
	RecalculateCounts(ctx context.Context, mailboxID int64) (*db.Mailbox, error)
}

// Waker is notified after an event is requeued.
type Waker interface {
	Notify()
}

// HealthReporter exposes the component monitor.
type HealthReporter interface {
	Overall() health.ComponentStatus
	Reports() []health.Report
}

// Deps are the components the API serves. Waker and Health may be nil.
type Deps struct {
	Store    db.Store
	Ingestor Ingestor
	Engine   ConditionTester
	Counters Recalculator
	Waker    Waker
	Health   HealthReporter
}

type Options struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	MetricsPath  string
}

type Server struct {
	deps   Deps
	opts   Options
	server *http.Server
	now    func() time.Time
}

func New(deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil || deps.Ingestor == nil || deps.Engine == nil || deps.Counters == nil {
		return nil, fmt.Errorf("ops API: store, ingestor, engine and counters are required")
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.APIKey == "" {
		logger.Warn("Ops API: no api_key configured, /api/v1 is unauthenticated")
	}
	return &Server{deps: deps, opts: opts, now: time.Now}, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Ops API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Ops API: error shutting down", "error", err)
		}
	}()

	logger.Info("Ops API: listening", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops API server failed: %w", err)
	}
	return nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle(s.opts.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/messages/{id:[0-9]+}/apply", s.handleApply).Methods(http.MethodPost)
	v1.HandleFunc("/rules/validate", s.handleValidateRule).Methods(http.MethodPost)
	v1.HandleFunc("/outbox/failed", s.handleFailedEvents).Methods(http.MethodGet)
	v1.HandleFunc("/outbox/stats", s.handleOutboxStats).Methods(http.MethodGet)
	v1.HandleFunc("/outbox/{id:[0-9]+}/requeue", s.handleRequeue).Methods(http.MethodPost)
	v1.HandleFunc("/mailboxes/{id:[0-9]+}/recalculate", s.handleRecalculate).Methods(http.MethodPost)

	return router
}

const requestIDHeader = "X-Request-ID"

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := idgen.FromHeader(r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
		logger.Debug("Ops API: request", "request_id", requestID, "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.opts.AllowedHosts) == 0 || hostAllowed(clientIP(r), s.opts.AllowedHosts) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(ip string, allowed []string) bool {
	parsed := net.ParseIP(ip)
	for _, host := range allowed {
		if host == ip {
			return true
		}
		if strings.Contains(host, "/") && parsed != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// clientIP ignores forwarding headers; the API is meant to be reached
// directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Ops API: error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case consts.ErrorKind(err) == consts.KindResourceNotFound:
		status = http.StatusNotFound
	case errors.Is(err, consts.ErrInvalidRuleDefinition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, consts.ErrNotPermitted), errors.Is(err, consts.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrPoolStopped), errors.Is(err, ingest.ErrQueueFull), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error("Ops API: request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}
