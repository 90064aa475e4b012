package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
)

// Client is a gossip.Transport over gRPC. Connections are created lazily per
// address and reused across rounds.
type Client struct {
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient returns a Client dialing with insecure credentials plus opts.
func NewClient(opts ...grpc.DialOption) *Client {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	return &Client{
		opts:  append(base, opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) Exchange(ctx context.Context, addr string, msg gossip.DiscoveryMessage) (gossip.DiscoveryMessage, error) {
	var out gossip.DiscoveryMessage
	conn, err := c.conn(addr)
	if err != nil {
		return out, err
	}
	if err := conn.Invoke(ctx, discoverMethod, &msg, &out); err != nil {
		return out, errors.Wrapf(err, "discover %s", addr)
	}
	return out, nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c.conns[addr] = cc
	return cc, nil
}

// Close releases every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, addr)
	}
	return first
}
