package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

const (
	defaultMaxTimeoutMs       = 10000
	defaultConnectTimeoutMs   = 3000
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 3000
)

type (
	TransportConfig struct {
		MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
		ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
		KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
		BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
		BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
	}

	Config struct {
		Address         string          `json:"address"`
		TransportConfig TransportConfig `json:"transport"`
	}
)

// Client talks to one metadata server. Every mutating call carries a request
// id unique to this client, so a retried call reuses its id.
type Client struct {
	conn     *grpc.ClientConn
	tc       TransportConfig
	clientID uint64
	tid      uint64
}

func NewClient(cfg *Config, opts ...grpc.DialOption) (*Client, error) {
	initTransportConfig(&cfg.TransportConfig)
	dialOpts := append(generateDialOpts(&cfg.TransportConfig), opts...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TransportConfig.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()
	conn, err := grpc.DialContext(ctx, cfg.Address, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:     conn,
		tc:       cfg.TransportConfig,
		clientID: uint64(uuid.New().ID()),
	}, nil
}

func (c *Client) Address() string {
	return c.conn.Target()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) nextReqID() proto.ReqID {
	return proto.ReqID{Client: c.clientID, Tid: atomic.AddUint64(&c.tid, 1)}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.tc.MaxTimeoutMs)*time.Millisecond)
	defer cancel()
	err := c.conn.Invoke(ctx, "/"+proto.ServiceName+"/"+method, req, resp)
	return apierrors.FromStatus(err)
}

func (c *Client) Mkdir(ctx context.Context, path string, mode uint32) (*proto.InodeInfo, error) {
	resp := &proto.InodeResponse{}
	if err := c.invoke(ctx, "Mkdir", &proto.MkdirRequest{ReqID: c.nextReqID(), Path: path, Mode: mode}, resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

func (c *Client) Create(ctx context.Context, path string, mode uint32) (*proto.InodeInfo, error) {
	resp := &proto.InodeResponse{}
	if err := c.invoke(ctx, "Create", &proto.CreateRequest{ReqID: c.nextReqID(), Path: path, Mode: mode}, resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

func (c *Client) Link(ctx context.Context, target, path string) (*proto.InodeInfo, error) {
	resp := &proto.InodeResponse{}
	if err := c.invoke(ctx, "Link", &proto.LinkRequest{ReqID: c.nextReqID(), Target: target, Path: path}, resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

func (c *Client) Unlink(ctx context.Context, path string) error {
	return c.invoke(ctx, "Unlink", &proto.UnlinkRequest{ReqID: c.nextReqID(), Path: path}, &proto.EmptyResponse{})
}

func (c *Client) Rmdir(ctx context.Context, path string) error {
	return c.invoke(ctx, "Unlink", &proto.UnlinkRequest{ReqID: c.nextReqID(), Path: path, Dir: true}, &proto.EmptyResponse{})
}

func (c *Client) Rename(ctx context.Context, src, dst string) error {
	return c.invoke(ctx, "Rename", &proto.RenameRequest{ReqID: c.nextReqID(), Src: src, Dst: dst}, &proto.EmptyResponse{})
}

func (c *Client) Lookup(ctx context.Context, path string) (*proto.InodeInfo, error) {
	resp := &proto.InodeResponse{}
	if err := c.invoke(ctx, "Lookup", &proto.LookupRequest{Path: path}, resp); err != nil {
		return nil, err
	}
	return &resp.Info, nil
}

// Open returns the attributes of path and a capability id that keeps the
// inode alive until Release.
func (c *Client) Open(ctx context.Context, path string) (*proto.InodeInfo, proto.CapID, error) {
	resp := &proto.OpenResponse{}
	if err := c.invoke(ctx, "Open", &proto.OpenRequest{ReqID: c.nextReqID(), Path: path}, resp); err != nil {
		return nil, 0, err
	}
	return &resp.Info, resp.Cap, nil
}

func (c *Client) Release(ctx context.Context, ino proto.Ino, capID proto.CapID) error {
	return c.invoke(ctx, "Release", &proto.ReleaseRequest{ReqID: c.nextReqID(), Ino: ino, Cap: capID}, &proto.EmptyResponse{})
}
