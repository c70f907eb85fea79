package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/usecase"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sessions is the worker registry the server binds calls to.
type Sessions interface {
	Register(ctx context.Context, name, service string, capabilities []string) (*domain.WorkerMetadata, error)
	Heartbeat(sessionID string) error
	Session(sessionID string) (*domain.WorkerMetadata, error)
	Acquire(sessionID string) (func(*domain.Task), error)
	Completed(sessionID string, taskID int64, accepted bool)
	Disconnect(ctx context.Context, sessionID string) (int64, error)
}

type Assigner interface {
	NextTask(ctx context.Context, serviceName, workerID string) (*domain.Assignment, error)
}

type Reporter interface {
	Report(ctx context.Context, r *domain.Report, rawLog string) (usecase.Outcome, error)
}

// ServerConfig tunes the worker endpoint.
type ServerConfig struct {
	HeartbeatTimeout time.Duration
	MaxInflight      int
	// MaxPollWait caps the long-poll of NextTask.
	MaxPollWait time.Duration
	// PollInterval is the first delay between store polls while waiting.
	PollInterval time.Duration
}

// Server implements DispatcherServer over the dispatcher use cases.
type Server struct {
	sessions Sessions
	assigner Assigner
	reporter Reporter
	cfg      ServerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewServer(sessions Sessions, assigner Assigner, reporter Reporter, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Server{
		sessions: sessions,
		assigner: assigner,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With("component", "grpc-server"),
		tracer:   otel.Tracer("corpus-dispatch-rpc"),
	}
}

var _ DispatcherServer = (*Server)(nil)

func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.Service == "" {
		return nil, status.Error(codes.InvalidArgument, "service is required")
	}
	meta, err := s.sessions.Register(ctx, req.Name, req.Service, req.Capabilities)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RegisterResponse{
		SessionID:          meta.SessionID,
		HeartbeatTimeoutMs: durationMs(s.cfg.HeartbeatTimeout),
		MaxInflight:        s.cfg.MaxInflight,
	}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := s.sessions.Heartbeat(req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return &HeartbeatResponse{}, nil
}

// NextTask assigns a task to the session, waiting up to the requested time
// for one to become available.
func (s *Server) NextTask(ctx context.Context, req *NextTaskRequest) (*NextTaskResponse, error) {
	ctx, span := s.tracer.Start(ctx, "handler.NextTask", trace.WithAttributes(attribute.String("worker.id", req.SessionID)))
	defer span.End()

	meta, err := s.sessions.Session(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	release, err := s.sessions.Acquire(req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}

	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > s.cfg.MaxPollWait {
		wait = s.cfg.MaxPollWait
	}
	deadline := time.Now().Add(wait)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PollInterval
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	for {
		a, err := s.assigner.NextTask(ctx, meta.Service, req.SessionID)
		if err != nil {
			release(nil)
			return nil, toStatus(err)
		}
		if a != nil {
			release(a.Task)
			return &NextTaskResponse{Task: assignmentToWire(a)}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			release(nil)
			return &NextTaskResponse{}, nil
		}
		delay := min(b.NextBackOff(), remaining)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			release(nil)
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (s *Server) Report(ctx context.Context, req *ReportRequest) (*ReportResponse, error) {
	if req.SessionID == "" || req.TaskID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "session_id and task_id are required")
	}
	var st domain.TaskStatus
	if req.Status != "" {
		var err error
		if st, err = domain.ParseTaskStatus(req.Status); err != nil {
			return nil, toStatus(err)
		}
	}

	out, err := s.reporter.Report(ctx, &domain.Report{
		TaskID:   req.TaskID,
		WorkerID: req.SessionID,
		Attempt:  req.Attempt,
		Status:   st,
		Messages: messagesFromWire(req.Messages),
	}, req.Log)
	if err != nil {
		return nil, toStatus(err)
	}
	accepted := out == usecase.OutcomeAck
	s.sessions.Completed(req.SessionID, req.TaskID, accepted)
	if !accepted {
		return &ReportResponse{Reason: fmt.Sprintf("task %d attempt %d is no longer assigned to this session", req.TaskID, req.Attempt)}, nil
	}
	return &ReportResponse{Accepted: true}, nil
}

func (s *Server) Disconnect(ctx context.Context, req *DisconnectRequest) (*DisconnectResponse, error) {
	n, err := s.sessions.Disconnect(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DisconnectResponse{Requeued: n}, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if !domain.IsTransient(err) {
			return status.FromContextError(err).Err()
		}
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrUnknownService),
		errors.Is(err, domain.ErrUnknownCorpus),
		errors.Is(err, domain.ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrInflightLimit):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// NewGRPCServer builds a grpc.Server serving impl with tracing and, when
// tokens are set, bearer-token admission.
func NewGRPCServer(impl DispatcherServer, tokens []string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(AuthInterceptor(tokens)),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterDispatcherServer(gs, impl)
	return gs
}

// Serve runs gs on lis until ctx is done, then stops gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	logger.Info("gRPC server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("gRPC server stopping")
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
		<-errCh
		return nil
	}
}
