package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"BetChannel/internal/archive"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/query"
	"BetChannel/internal/settlement"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ChannelCommands is the write surface of the channel manager.
type ChannelCommands interface {
	OpenChannel(ctx context.Context, marketID string, participants []ledger.Participant) (*ledger.Channel, error)
	ApplyBet(ctx context.Context, channelID string, bet ledger.Bet) (uint64, error)
	Deposit(ctx context.Context, channelID, participant string, amount int64) (uint64, error)
	BeginFinalize(ctx context.Context, channelID string) (*ledger.Channel, error)
}

// Settlements drives channels to a terminal state.
type Settlements interface {
	FinalizeAndSettle(ctx context.Context, channelID string) (*settlement.Receipt, error)
	PendingBatch(channelID string) (*settlement.Batch, bool)
}

// BatchArchive reads archived settlement batches.
type BatchArchive interface {
	FetchBatch(ctx context.Context, channelID, batchID string) (*archive.ArchivedBatch, error)
}

// PoolRebuilder re-projects every channel into the pool cache.
type PoolRebuilder interface {
	Rebuild(ctx context.Context) error
}

// ServerDeps holds all dependencies needed by the API handlers. Archive and
// Pools may be nil when the backing store is not configured.
type ServerDeps struct {
	Commands      ChannelCommands
	Settler       Settlements
	QueryService  *query.QueryService
	Archive       BatchArchive
	Pools         PoolRebuilder
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP/JSON
// gateway mux serving the channel API.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	logger       zerolog.Logger
}

// NewGRPCServer creates the gRPC server and registers every HTTP route.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		handler:  handler,
		logger:   deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status. Called once recovery completes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// Handler returns the HTTP handler, for tests.
func (s *GRPCServer) Handler() http.Handler {
	return s.handler
}

// StartGRPC starts the gRPC server (blocking until Shutdown).
func (s *GRPCServer) StartGRPC() error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON API (blocking until Shutdown).
func (s *GRPCServer) StartHTTPGateway() error {
	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops both listeners and returns once in-flight HTTP requests
// have completed or ctx expires. No handler runs after it returns nil.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API servers shutting down")
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
	return s.httpServer.Shutdown(ctx)
}

// NewHTTPHandler builds the API mux: gateway routes under /v1 plus the
// liveness and readiness checks.
func NewHTTPHandler(deps *ServerDeps) (http.Handler, error) {
	mux := runtime.NewServeMux()
	api := &apiHandlers{deps: deps}
	if err := api.register(mux); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}
