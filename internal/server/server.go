// Package server exposes the long-running process surfaces of watch mode: a
// gRPC health service for orchestrators and an HTTP endpoint for Prometheus.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-check service name reported alongside "".
const ServiceName = "accesswatch"

// shutdownTimeout bounds the HTTP graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Config holds listener addresses. An empty address disables that listener.
type Config struct {
	HealthAddr  string
	MetricsAddr string
}

// Server runs the health and metrics listeners.
type Server struct {
	cfg        Config
	log        *zap.Logger
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
}

// New creates a server. gatherer supplies /metrics; nil uses the default
// registry.
func New(cfg Config, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{cfg: cfg, log: log, grpcServer: gs, health: hs}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.healthz)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// SetServing flips the reported health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// Run listens on the configured addresses and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var grpcLis, httpLis net.Listener
	var err error
	if s.cfg.HealthAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HealthAddr, err)
		}
	}
	if s.cfg.MetricsAddr != "" {
		httpLis, err = net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddr, err)
		}
	}
	return s.ServeOn(ctx, grpcLis, httpLis)
}

// ServeOn serves on the given listeners until ctx is cancelled. A nil
// listener skips that surface. For testing.
func (s *Server) ServeOn(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if grpcLis != nil {
		s.log.Info("health service listening", zap.String("addr", grpcLis.Addr().String()))
		g.Go(func() error { return s.grpcServer.Serve(grpcLis) })
	}
	if httpLis != nil {
		s.log.Info("metrics listening", zap.String("addr", httpLis.Addr().String()))
		g.Go(func() error {
			if err := s.httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
