package server

import (
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
	logger   *slog.Logger
}

// NewGRPCServer listens on addr with logging and metrics on every unary RPC.
// Reflection is on so grpcurl and moenhome-cli can discover the faucet
// service without compiled stubs.
func NewGRPCServer(addr string, logger *slog.Logger) (*GRPCServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryMetrics(), UnaryLogging(logger)),
		// CLI sessions are short; idle connections from agents are reaped.
		grpc.KeepaliveParams(keepalive.ServerParameters{MaxConnectionIdle: 5 * time.Minute}),
	)
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln, logger: logger}, nil
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

// Stop drains in-flight RPCs, falling back to a hard stop after timeout so a
// command stuck on the vendor cloud cannot hold shutdown open.
func (s *GRPCServer) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.Server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc graceful stop timed out; closing connections", "timeout", timeout)
		s.Server.Stop()
	}
}
