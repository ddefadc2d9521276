// Package grpc exposes channel readiness through the standard gRPC health
// service. "ctp.md" serves once market data is logged in, "ctp.td" once the
// trading channel is ready, and "" once both are.
package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/luxfi/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/luxfi/ctpgw/pkg/events"
	"github.com/luxfi/ctpgw/pkg/gateway"
	"github.com/luxfi/ctpgw/pkg/session"
)

const (
	MarketService = "ctp.md"
	TradeService  = "ctp.td"
)

// Source is the part of the gateway the health service watches.
type Source interface {
	RegisterCallback(kind events.Kind, l events.Listener)
	Status() gateway.Status
}

// Server implements the health service over channel state
type Server struct {
	source     Source
	logger     log.Logger
	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a gRPC server with health and reflection registered
func NewServer(source Source, logger log.Logger, opts ...grpc.ServerOption) *Server {
	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		source:     source,
		logger:     logger.New("module", "grpc"),
		grpcServer: grpcServer,
		health:     healthServer,
	}
	s.Refresh()
	return s
}

// Attach re-evaluates health on every session event.
func (s *Server) Attach() {
	for _, kind := range []events.Kind{
		events.MdConnected, events.MdDisconnected, events.MdLoginSuccess, events.MdLoginFailed,
		events.TdConnected, events.TdDisconnected, events.TdAuthFailed, events.TdLoginSuccess,
		events.TdLoginFailed, events.SettlementConfirmed, events.SettlementConfirmFailed,
		events.GatewayClosed,
	} {
		s.source.RegisterCallback(kind, func(events.Event) error {
			s.Refresh()
			return nil
		})
	}
}

// Refresh publishes the current channel state.
func (s *Server) Refresh() {
	st := s.source.Status()
	md := st.Market.LoggedIn
	td := st.Trade.State == session.Ready

	s.health.SetServingStatus(MarketService, servingStatus(md))
	s.health.SetServingStatus(TradeService, servingStatus(td))
	s.health.SetServingStatus("", servingStatus(md && td))
	s.logger.Debug("Health refreshed", "md", md, "td", td)
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// GRPC exposes the underlying server for additional services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// Health returns the health server.
func (s *Server) Health() *health.Server {
	return s.health
}

// Serve serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info("gRPC server started", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// StartGRPCServer starts the gRPC server
func StartGRPCServer(ctx context.Context, port int, source Source, logger log.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	server := NewServer(source, logger)
	server.Attach()
	return server.Serve(ctx, lis)
}
