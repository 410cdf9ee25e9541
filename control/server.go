// Package control is the gRPC control plane of a running link. It
// reads and changes the radiotap parameters, reports link statistics
// and rotates the session key. Every call goes through the lifecycle
// callable registry, so calls fail once shutdown has begun.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/lifecycle"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/logging"
	"github.com/frobware/go-wblink/radiotap"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wblink.v1.Control"

// Callable names registered by NewServer.
const (
	CallGetRadiotap = "radiotap.get"
	CallSetRadiotap = "radiotap.set"
	CallStats       = "link.stats"
	CallRotateKey   = "keys.rotate"
)

// ErrNoLink is returned when the process runs without a link.
var ErrNoLink = errors.New("no link running")

// Backend is the running link. *link.Engine implements it.
type Backend interface {
	Radiotap() *radiotap.Holder
	Stats() link.Stats
	Rotate() error
}

// controlService is the method set dispatched by serviceDesc.
type controlService interface {
	GetRadiotap(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetRadiotap(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RotateKey(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// Server implements the control service.
type Server struct {
	callables *lifecycle.Callables
	logger    *slog.Logger
	opCounter atomic.Uint64
}

// NewServer registers the control callables for b in callables and
// returns a server invoking them. A nil b serves a process running
// without a link: every call fails with ErrNoLink.
func NewServer(b Backend, callables *lifecycle.Callables, logger *slog.Logger) *Server {
	withLink := func(fn func(args any) (any, error)) func(any) (any, error) {
		if b == nil {
			return func(any) (any, error) { return nil, ErrNoLink }
		}
		return fn
	}
	callables.Register(CallGetRadiotap, withLink(func(any) (any, error) {
		return b.Radiotap().Get(), nil
	}))
	callables.Register(CallSetRadiotap, withLink(func(args any) (any, error) {
		apply := args.(func(*radiotap.Params))
		if err := b.Radiotap().Update(apply); err != nil {
			return nil, err
		}
		return b.Radiotap().Get(), nil
	}))
	callables.Register(CallStats, withLink(func(any) (any, error) {
		return b.Stats(), nil
	}))
	callables.Register(CallRotateKey, withLink(func(any) (any, error) {
		return nil, b.Rotate()
	}))
	return &Server{callables: callables, logger: logger.With("component", "control")}
}

// Register adds the service to r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// GetRadiotap returns the current transmit parameters.
func (s *Server) GetRadiotap(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	v, err := s.call(ctx, CallGetRadiotap, nil)
	if err != nil {
		return nil, err
	}
	return paramsToStruct(v.(radiotap.Params))
}

// SetRadiotap applies the fields present in req and returns the
// resulting parameters. Rejected changes leave the parameters as they
// were.
func (s *Server) SetRadiotap(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	apply, err := patchFromStruct(req)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.call(ctx, CallSetRadiotap, apply)
	if err != nil {
		return nil, err
	}
	p := v.(radiotap.Params)
	s.logger.InfoContext(ctx, "radiotap parameters changed", "params", p.String())
	return paramsToStruct(p)
}

// GetStats returns the link counters.
func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	v, err := s.call(ctx, CallStats, nil)
	if err != nil {
		return nil, err
	}
	return statsToStruct(v.(link.Stats))
}

// RotateKey replaces the transmit session key.
func (s *Server) RotateKey(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if _, err := s.call(ctx, CallRotateKey, nil); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) call(ctx context.Context, name string, args any) (any, error) {
	v, err := s.callables.Call(name, args)
	if err != nil {
		s.logger.DebugContext(ctx, "call failed", "callable", name, "error", err)
		return nil, toStatus(err)
	}
	return v, nil
}

func toStatus(err error) error {
	switch {
	case wblink.IsConfig(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lifecycle.ErrDisabled):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrNoLink):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Serve listens on the unix socket at socketPath until ctx is done.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer lis.Close()
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor()))
	s.Register(gs)

	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "control server listening", "addr", lis.Addr().String())
		errc <- gs.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}

// loggingInterceptor tags each request with a monotonic op_id and logs
// failures.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = logging.WithOpID(ctx, strconv.FormatUint(s.opCounter.Add(1), 10))
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

func unary[Req proto.Message](method string, newReq func() Req, call func(controlService, context.Context, Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			svc := srv.(controlService)
			if interceptor == nil {
				return call(svc, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(svc, ctx, r.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty   { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

// serviceDesc describes wblink.v1.Control. Its messages are protobuf
// well-known types, so no generated code is needed.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetRadiotap", newEmpty, func(s controlService, ctx context.Context, r *emptypb.Empty) (any, error) {
			return s.GetRadiotap(ctx, r)
		}),
		unary("SetRadiotap", newStruct, func(s controlService, ctx context.Context, r *structpb.Struct) (any, error) {
			return s.SetRadiotap(ctx, r)
		}),
		unary("GetStats", newEmpty, func(s controlService, ctx context.Context, r *emptypb.Empty) (any, error) {
			return s.GetStats(ctx, r)
		}),
		unary("RotateKey", newEmpty, func(s controlService, ctx context.Context, r *emptypb.Empty) (any, error) {
			return s.RotateKey(ctx, r)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wblink/v1/control.proto",
}
