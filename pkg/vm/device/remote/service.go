package remote

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
)

// Service and method names.
const (
	ServiceName   = "lanevm.device.v1.Device"
	methodInfo    = "/" + ServiceName + "/Info"
	methodPrepare = "/" + ServiceName + "/Prepare"
	methodExecute = "/" + ServiceName + "/Execute"
	methodRelease = "/" + ServiceName + "/Release"
)

// InfoRequest asks a device server to describe itself.
type InfoRequest struct{}

// InfoResponse describes a device server.
type InfoResponse struct {
	Backend string `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint"`
	Kernels int    `cbor:"3,keyasint"`
}

// PrepareRequest carries a kernel to compile.
type PrepareRequest struct {
	Kernel device.Kernel `cbor:"1,keyasint"`
}

// PrepareResponse returns the server-side handle.
type PrepareResponse struct {
	Handle string `cbor:"1,keyasint"`
}

// ExecuteRequest runs one launch.
type ExecuteRequest struct {
	Handle string        `cbor:"1,keyasint"`
	Launch device.Launch `cbor:"2,keyasint"`
}

// ExecuteResponse carries either a completion or the lane faults.
type ExecuteResponse struct {
	Completion *device.Completion `cbor:"1,keyasint,omitempty"`
	Faults     []LaneFault        `cbor:"2,keyasint,omitempty"`
}

// ReleaseRequest frees a prepared kernel.
type ReleaseRequest struct {
	Handle string `cbor:"1,keyasint"`
}

// ReleaseResponse acknowledges a release.
type ReleaseResponse struct{}

// LaneFault is the wire form of an interp.Fault.
type LaneFault struct {
	Lane     int32  `cbor:"1,keyasint"`
	IP       int    `cbor:"2,keyasint"`
	Op       int32  `cbor:"3,keyasint"`
	Mnemonic string `cbor:"4,keyasint,omitempty"`
	Kind     string `cbor:"5,keyasint"`
	Detail   string `cbor:"6,keyasint,omitempty"`
}

func faultToWire(f *interp.Fault) LaneFault {
	lf := LaneFault{Lane: f.Lane, IP: f.IP, Op: int32(f.Op), Mnemonic: f.Mnemonic, Kind: interp.Kind(f.Err), Detail: f.Detail}
	if lf.Detail == "" && f.Err != nil {
		lf.Detail = f.Err.Error()
	}
	return lf
}

func faultFromWire(lf LaneFault) *interp.Fault {
	err, ok := interp.KindError(lf.Kind)
	if !ok {
		err = errors.New(lf.Kind)
	}
	return &interp.Fault{
		Err:      err,
		Op:       bytecode.Opcode(lf.Op),
		Mnemonic: lf.Mnemonic,
		IP:       lf.IP,
		Lane:     lf.Lane,
		Detail:   lf.Detail,
	}
}

// DeviceServer is the server API of the device service.
type DeviceServer interface {
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
	Prepare(context.Context, *PrepareRequest) (*PrepareResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.
func unaryHandler[Req any, Resp any](method string, call func(DeviceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DeviceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DeviceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: unaryHandler(methodInfo, DeviceServer.Info)},
		{MethodName: "Prepare", Handler: unaryHandler(methodPrepare, DeviceServer.Prepare)},
		{MethodName: "Execute", Handler: unaryHandler(methodExecute, DeviceServer.Execute)},
		{MethodName: "Release", Handler: unaryHandler(methodRelease, DeviceServer.Release)},
	},
	Metadata: "lanevm/device.cbor",
}
