package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize bounds heap payloads in either direction (256MB).
	DefaultMaxMessageSize = 256 * 1024 * 1024

	// DefaultReleaseTimeout bounds Release calls, which carry no context.
	DefaultReleaseTimeout = 5 * time.Second
)

// ErrNoEndpoint is returned by Dial without an endpoint.
var ErrNoEndpoint = errors.New("device endpoint is required")

// Config holds the configuration for a device client.
type Config struct {
	// Endpoint is the device server address (host:port). Required.
	Endpoint string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxMessageSize   int
}

// DefaultConfig returns a client configuration for endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

// Client is a device.Backend backed by a remote device server.
type Client struct {
	config Config
	conn   *grpc.ClientConn
}

// Dial creates a client. The connection is established lazily.
func Dial(config Config, extra ...grpc.DialOption) (*Client, error) {
	if config.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if config.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	//nolint:staticcheck // grpc.Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{config: config, conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Endpoint returns the server address.
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Name implements device.Backend.
func (c *Client) Name() string {
	return "remote:" + c.config.Endpoint
}

// Info queries the server.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	resp := new(InfoResponse)
	if err := c.conn.Invoke(ctx, methodInfo, &InfoRequest{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// Prepare implements device.Backend. Decoded programs are shipped as
// uncompressed images.
func (c *Client) Prepare(ctx context.Context, k device.Kernel) (device.Handle, error) {
	if k.Program != nil {
		if k.Source != "" || len(k.Binary) > 0 {
			return device.Handle{}, fmt.Errorf("%w: kernel needs exactly one of source, binary or program", device.ErrCompileFailure)
		}
		bin, err := loader.Encode(&loader.Image{Program: k.Program, Entry: k.Entry}, loader.EncodeOptions{})
		if err != nil {
			return device.Handle{}, fmt.Errorf("%w: %v", device.ErrCompileFailure, err)
		}
		k.Binary = bin
		k.Program = nil
	}

	resp := new(PrepareResponse)
	if err := c.conn.Invoke(ctx, methodPrepare, &PrepareRequest{Kernel: k}, resp); err != nil {
		return device.Handle{}, fromStatus(err)
	}
	return device.Handle{ID: resp.Handle, Backend: c.Name()}, nil
}

// Execute implements device.Backend.
func (c *Client) Execute(ctx context.Context, h device.Handle, l device.Launch) (*device.Completion, error) {
	resp := new(ExecuteResponse)
	if err := c.conn.Invoke(ctx, methodExecute, &ExecuteRequest{Handle: h.ID, Launch: l}, resp); err != nil {
		return nil, fromStatus(err)
	}
	if len(resp.Faults) > 0 {
		lfe := &device.LaneFaultError{}
		for _, lf := range resp.Faults {
			lfe.Faults = append(lfe.Faults, faultFromWire(lf))
		}
		return nil, lfe
	}
	if resp.Completion == nil {
		return nil, fmt.Errorf("%w: empty completion", device.ErrLaunchFailure)
	}
	return resp.Completion, nil
}

// Release implements device.Backend.
func (c *Client) Release(h device.Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultReleaseTimeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, methodRelease, &ReleaseRequest{Handle: h.ID}, new(ReleaseResponse)); err != nil {
		return fromStatus(err)
	}
	return nil
}
