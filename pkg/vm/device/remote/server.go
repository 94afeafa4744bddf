// Package remote exposes a device backend over gRPC and consumes remote
// backends through the same device.Backend interface.
//
// Messages are CBOR encoded through a registered gRPC codec; there is no
// protobuf schema. A Server wraps any backend (usually the CPU backend on
// the device host). A Client implements device.Backend against one server,
// and a Pool spreads kernels over several servers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/lanevm/pkg/vm/device"
)

var log = commonlog.GetLogger("lanevm.device.remote")

// Server serves a device backend over gRPC.
type Server struct {
	backend device.Backend
	version string

	mu      sync.Mutex
	handles map[string]device.Handle

	grpc *grpc.Server
}

// NewServer creates a server for backend.
func NewServer(backend device.Backend, version string, opts ...grpc.ServerOption) *Server {
	s := &Server{
		backend: backend,
		version: version,
		handles: make(map[string]device.Handle),
		grpc:    grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("Device server listening on %s (backend %s)", lis.Addr(), s.backend.Name())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop stops the gRPC server and releases every prepared kernel.
func (s *Server) Stop() {
	s.grpc.GracefulStop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		if err := s.backend.Release(h); err != nil {
			log.Warningf("Release %s on stop: %v", id, err)
		}
		delete(s.handles, id)
	}
}

// Info implements DeviceServer.
func (s *Server) Info(ctx context.Context, _ *InfoRequest) (*InfoResponse, error) {
	s.mu.Lock()
	n := len(s.handles)
	s.mu.Unlock()
	return &InfoResponse{Backend: s.backend.Name(), Version: s.version, Kernels: n}, nil
}

// Prepare implements DeviceServer.
func (s *Server) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	h, err := s.backend.Prepare(ctx, req.Kernel)
	if err != nil {
		return nil, toStatus(err)
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	return &PrepareResponse{Handle: id}, nil
}

// Execute implements DeviceServer.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	s.mu.Lock()
	h, ok := s.handles[req.Handle]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown handle %s", req.Handle)
	}

	c, err := s.backend.Execute(ctx, h, req.Launch)
	if err != nil {
		var lfe *device.LaneFaultError
		if errors.As(err, &lfe) {
			resp := &ExecuteResponse{Faults: make([]LaneFault, len(lfe.Faults))}
			for i, f := range lfe.Faults {
				resp.Faults[i] = faultToWire(f)
			}
			return resp, nil
		}
		return nil, toStatus(err)
	}
	return &ExecuteResponse{Completion: c}, nil
}

// Release implements DeviceServer.
func (s *Server) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	s.mu.Lock()
	h, ok := s.handles[req.Handle]
	delete(s.handles, req.Handle)
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown handle %s", req.Handle)
	}
	if err := s.backend.Release(h); err != nil {
		return nil, toStatus(err)
	}
	return &ReleaseResponse{}, nil
}

// toStatus maps device errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, device.ErrBackendUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, device.ErrCompileFailure):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, device.ErrLaunchFailure):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps gRPC errors back to device errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", device.ErrBackendUnavailable, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", device.ErrCompileFailure, st.Message())
	case codes.FailedPrecondition, codes.NotFound:
		return fmt.Errorf("%w: %s", device.ErrLaunchFailure, st.Message())
	case codes.Internal:
		return fmt.Errorf("%w: %s", device.ErrLaunchFailure, st.Message())
	default:
		return fmt.Errorf("%w: %s", device.ErrBackendUnavailable, st.Message())
	}
}
