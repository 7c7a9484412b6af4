// Package grpcserver exposes manifest-driven engine runs over gRPC.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code; the descriptor below is maintained by hand.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"reimage/internal/failure"
	"reimage/internal/logging"
	"reimage/internal/pipeline"
)

const (
	ServiceName   = "reimage.Segmenter"
	runMethod     = "/" + ServiceName + "/Run"
	maxMessageLen = 16 * 1024 * 1024
)

// SegmenterServer is the server API.
type SegmenterServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmenterServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SegmenterServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes reimage.Segmenter.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmenterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reimage/segmenter",
}

// Submitter runs a job to completion.
type Submitter interface {
	SubmitAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Server runs manifests through the pipeline.
type Server struct {
	exe     string
	timeout time.Duration
	pipe    Submitter
	log     *slog.Logger
	health  *health.Server
}

// New creates a Server that launches exe for every request.
func New(exe string, timeout time.Duration, pipe Submitter, log *slog.Logger) *Server {
	return &Server{exe: exe, timeout: timeout, pipe: pipe, log: logging.OrDefault(log), health: health.NewServer()}
}

// Register installs the segmenter and the standard health service on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageLen),
		grpc.MaxSendMsgSize(maxMessageLen),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}

// Run handles {"manifest": path}. The reply carries the invocation ID, exit
// code, foreground count and duration; the mask itself stays on disk.
func (s *Server) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	path := req.GetFields()["manifest"].GetStringValue()
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "manifest is required")
	}
	timeout := s.timeout
	if secs := req.GetFields()["timeout_seconds"].GetNumberValue(); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	job, err := pipeline.JobFromManifest(path, s.exe, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.pipe.SubmitAndWait(ctx, job)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"invocation_id": job.ID,
		"exit_code":     res.Engine.ExitCode,
		"out_mask":      res.Engine.MaskPath,
		"foreground":    res.Engine.Mask.Count(),
		"duration_ms":   res.Engine.Duration.Milliseconds(),
	})
}

// toStatus maps failure kinds to gRPC codes. Engine stderr rides along in the message.
func toStatus(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var c codes.Code
	switch failure.KindOf(err) {
	case failure.KindValidation:
		c = codes.InvalidArgument
	case failure.KindCodec:
		c = codes.DataLoss
	case failure.KindBusy:
		c = codes.ResourceExhausted
	case failure.KindEngine:
		c = codes.Aborted
	case failure.KindTimeout:
		c = codes.DeadlineExceeded
	case failure.KindIO:
		c = codes.Internal
	default:
		c = codes.Unknown
	}
	return status.Error(c, err.Error())
}

// Client calls a remote segmenter.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Run asks the server to run the manifest at path, which must be readable by the server.
func (c *Client) Run(ctx context.Context, path string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"manifest": path})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, runMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
