package runnerrpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pairingcodes "github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/engine"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/runnersecret"
	"github.com/pairwire/broker/internal/wire"
)

// secretVerifier is the subset of runnersecret.Verifier the interceptor
// needs, narrowed for testability.
type secretVerifier interface {
	Verify(ctx context.Context, runnerID, secret string) (bool, error)
}

// Server is the Broker side of the Runner gRPC transport, grounded on
// the same listen-on-a-dedicated-port, metadata-carried-shared-secret
// pattern used for the agent<->server channel elsewhere in this stack.
type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	secrets  secretVerifier
	logger   *zap.Logger
}

func NewServer(eng *engine.Engine, reg *registry.Registry, secrets *runnersecret.Verifier, logger *zap.Logger) *Server {
	return &Server{engine: eng, registry: reg, secrets: secrets, logger: logger.Named("runnerrpc")}
}

// Register implements the runner:register handshake. Shared-secret
// verification happens in authUnaryInterceptor before this is reached;
// by the time Register runs, the caller is already trusted.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := registerRequestFromStruct(req)

	result, err := s.engine.RegisterRunner(ctx, in.RunnerID)
	if err != nil {
		resp := registerResponse{RunnerID: in.RunnerID}
		if errors.Is(err, pairingcodes.ErrRegistrationExhausted) {
			resp.ErrorCode = string(wire.ErrDuplicateCode)
			resp.Message = "could not allocate a unique pairing code"
		} else {
			resp.ErrorCode = string(wire.ErrNetworkError)
			resp.Message = "pairing store unavailable"
		}
		out, encErr := resp.toStruct()
		if encErr != nil {
			return nil, status.Error(codes.Internal, encErr.Error())
		}
		return out, nil
	}

	out, err := (registerResponse{RunnerID: in.RunnerID, PairingCode: pairingcodes.Format(result.Code)}).toStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Heartbeat implements runner:heartbeat.
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := heartbeatRequestFromStruct(req)
	if err := s.engine.HandleHeartbeat(ctx, in.RunnerID); err != nil {
		s.logger.Warn("heartbeat failed", zap.String("runner_id", in.RunnerID), zap.Error(err))
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

// eventsHandle adapts the Events server stream to registry.Handle so the
// engine can address the Runner by identity without knowing about gRPC.
type eventsHandle struct {
	stream RunnerService_EventsServer
}

func (h *eventsHandle) Send(event any) error {
	os, ok := event.(OpenSessionEvent)
	if !ok {
		return fmt.Errorf("runnerrpc: unsupported event type %T", event)
	}
	s, err := os.ToStruct()
	if err != nil {
		return err
	}
	return h.stream.Send(s)
}

// Events implements the Runner's long-lived event stream. The Runner
// opens it once per connection; the Broker blocks here pushing
// open-session instructions until the stream's context is cancelled
// (transport loss), at which point the Runner is deregistered exactly
// as the Advertised -> Disconnected transition requires.
func (s *Server) Events(req *structpb.Struct, stream RunnerService_EventsServer) error {
	in := heartbeatRequestFromStruct(req)
	runnerID := in.RunnerID
	if runnerID == "" {
		return status.Error(codes.InvalidArgument, "runnerId is required")
	}

	s.engine.AttachRunnerStream(stream.Context(), runnerID, &eventsHandle{stream: stream})
	s.logger.Info("runner event stream attached", zap.String("runner_id", runnerID))

	<-stream.Context().Done()

	s.logger.Info("runner event stream closed", zap.String("runner_id", runnerID))
	s.engine.HandleRunnerDisconnect(context.Background(), runnerID)
	return nil
}

// authUnaryInterceptor validates the runner-secret metadata for unary
// RPCs before the handler runs.
func (s *Server) authUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// authStreamInterceptor validates the runner-secret metadata before a
// streaming RPC begins.
func (s *Server) authStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authenticate(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (s *Server) authenticate(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	runnerIDs := md.Get("runner-id")
	secrets := md.Get("runner-secret")
	if len(runnerIDs) == 0 || len(secrets) == 0 {
		return status.Error(codes.Unauthenticated, "missing runner-id/runner-secret")
	}

	ok, err := s.secrets.Verify(ctx, runnerIDs[0], secrets[0])
	if err != nil {
		return status.Error(codes.Internal, "secret verification unavailable")
	}
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid runner secret")
	}
	return nil
}

// ListenAndServe starts the gRPC server and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("runnerrpc: listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(s.authUnaryInterceptor),
		grpc.StreamInterceptor(s.authStreamInterceptor),
	)
	grpcServer.RegisterService(&ServiceDesc, s)

	go func() {
		<-ctx.Done()
		s.logger.Info("runner grpc server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.logger.Info("runner grpc server listening", zap.String("addr", listenAddr))
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("runnerrpc: server error: %w", err)
	}
	return nil
}
