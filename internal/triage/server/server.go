// Package server exposes the engine over HTTP and a gRPC health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/analysis/budget"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/triage/coordinator"
	triagehealth "github.com/vietddude/triage/internal/triage/health"
)

const (
	defaultLedgerWindow = 24 * time.Hour
	healthCheckInterval = 10 * time.Second
	maxBodyBytes        = 1 << 20
)

// Triager runs one failure through the engine.
type Triager interface {
	Triage(ctx context.Context, ev domain.FailureEvent) (coordinator.Result, error)
	ListPending(ctx context.Context) ([]*domain.PendingRetry, error)
}

// Providers is the operator view of the analysis providers.
type Providers interface {
	Metrics() []domain.ProviderMetrics
	ResetMetrics()
	Budget(providerID string) budget.UsageStats
	Providers() []domain.ProviderConfig
}

// ReloadFunc re-reads configuration and applies it.
type ReloadFunc func(ctx context.Context) error

// Deps are the collaborators served by the Server.
type Deps struct {
	Triager   Triager
	Ledger    storage.LedgerRepository
	Providers Providers
	Reload    ReloadFunc
}

// Server provides the HTTP API and the optional gRPC health service.
type Server struct {
	deps     Deps
	server   *http.Server
	grpcPort int
	grpc     *grpc.Server
	health   *health.Server
	monitor  *triagehealth.Monitor
	// ctx lives until Stop; triages started over HTTP run on it.
	ctx  context.Context
	stop context.CancelFunc
	now  func() time.Time
	log  *slog.Logger
}

// New creates a server. grpcPort 0 disables the gRPC listener.
func New(deps Deps, port, grpcPort int) *Server {
	s := &Server{
		deps:     deps,
		grpcPort: grpcPort,
		health:   health.NewServer(),
		monitor:  triagehealth.NewMonitor(deps.Ledger, deps.Triager, deps.Providers),
		now:      time.Now,
		log:      slog.Default().With("component", "server"),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	if grpcPort > 0 {
		s.grpc = grpc.NewServer(
			grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
			grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		)
		healthpb.RegisterHealthServer(s.grpc, s.health)
		grpc_prometheus.Register(s.grpc)
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /triage", s.handleTriage)
	mux.HandleFunc("GET /ledger", s.handleLedger)
	mux.HandleFunc("GET /ledger/stats", s.handleStats)
	mux.HandleFunc("GET /pending", s.handlePending)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("POST /providers/reset", s.handleProvidersReset)
	mux.HandleFunc("POST /admin/reload", s.handleReload)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves HTTP, and gRPC health when enabled. It blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	if s.grpc != nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		s.serveGRPC(s.ctx, lis)
	}

	s.log.Info("HTTP server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) {
	s.checkHealth(ctx)
	go s.watchHealth(ctx)
	go func() {
		s.log.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := s.grpc.Serve(lis); err != nil {
			s.log.Error("gRPC server stopped", "error", err)
		}
	}()
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

func (s *Server) checkHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.monitor.CheckHealth(ctx).SystemStatus == triagehealth.StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Stop shuts down both listeners. Triages still waiting on a retry delay are
// interrupted and record their retry as pending.
func (s *Server) Stop(ctx context.Context) error {
	s.stop()
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var ev domain.FailureEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The retry delay outlives the request; only Stop interrupts it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	defer context.AfterFunc(s.ctx, cancel)()

	res, err := s.deps.Triager.Triage(ctx, ev)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrLedgerWriteFailed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.deps.Ledger.RecentEntries(r.Context(), r.URL.Query().Get("pipeline"), since)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if entries == nil {
		entries = []*domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.deps.Ledger.Stats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Triager.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if items == nil {
		items = []*domain.PendingRetry{}
	}
	writeJSON(w, http.StatusOK, items)
}

type providerView struct {
	Config  domain.ProviderConfig  `json:"config"`
	Metrics domain.ProviderMetrics `json:"metrics"`
	Budget  budget.UsageStats      `json:"budget"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	byID := make(map[string]domain.ProviderMetrics)
	for _, m := range s.deps.Providers.Metrics() {
		byID[m.ProviderID] = m
	}

	cfgs := s.deps.Providers.Providers()
	out := make([]providerView, 0, len(cfgs))
	for _, cfg := range cfgs {
		m, ok := byID[cfg.ProviderID]
		if !ok {
			m = domain.ProviderMetrics{ProviderID: cfg.ProviderID}
		}
		out = append(out, providerView{
			Config:  cfg,
			Metrics: m,
			Budget:  s.deps.Providers.Budget(cfg.ProviderID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProvidersReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Providers.ResetMetrics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeError(w, http.StatusNotImplemented, errors.New("reload not configured"))
		return
	}
	if err := s.deps.Reload(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	status := http.StatusOK
	if report.SystemStatus == triagehealth.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

// parseSince accepts an RFC3339 timestamp or a duration counted back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultLedgerWindow), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC3339 or a duration", v)
	}
	return now.Add(-d), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
