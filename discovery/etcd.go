// Package discovery registers nodes in etcd and resolves gossip rendezvous
// peers from that registry.
package discovery

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
	"github.com/ryandielhenn/zephyrpace/pkg/node"
)

// Prefix is the etcd key space holding one key per registered node.
const Prefix = "/zephyrpace/nodes/"

// ErrNoPeers is returned by Resolver.Peer when nobody else is registered.
var ErrNoPeers = errors.New("discovery: no peers registered")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect etcd %v", endpoints)
	}
	return cli, nil
}

// Registrar is the lease and write side of the etcd API used by
// RegisterNode. *clientv3.Client satisfies it.
type Registrar interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and keeps
// the lease alive until stop is called or ctx ends. The caller revokes the
// lease on shutdown.
func RegisterNode(ctx context.Context, cli Registrar, id gossip.NodeID, addr string, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "grant lease")
	}
	if _, err := cli.Put(ctx, Prefix+string(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		revoke(cli, lease.ID, log)
		return 0, nil, errors.Wrapf(err, "register %s", id)
	}

	kctx, stop := context.WithCancel(ctx)
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		stop()
		revoke(cli, lease.ID, log)
		return 0, nil, errors.Wrap(err, "keep lease alive")
	}
	go func() {
		// drain responses so the client does not drop keepalives
		for range ch {
		}
		if kctx.Err() == nil {
			log.Warn("etcd lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, stop, nil
}

// revoke drops a lease left behind by a failed registration. It does not use
// the caller's context, which may already be done.
func revoke(cli Registrar, id clientv3.LeaseID, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Revoke(ctx, id); err != nil {
		log.Warn("revoke etcd lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Getter is the read side of the etcd KV API used by Resolver.
// *clientv3.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// Resolver picks a random registered node other than self as the rendezvous
// peer for each gossip round. It implements gossip.PeerSource.
type Resolver struct {
	kv      Getter
	self    gossip.NodeID
	defPort string
	pick    func(n int) int
}

func NewResolver(kv Getter, self gossip.NodeID, defPort string) *Resolver {
	return &Resolver{kv: kv, self: self, defPort: defPort, pick: rand.IntN}
}

// Peers lists every registered node except self, as id -> host:port.
func (r *Resolver) Peers(ctx context.Context) (map[string]string, error) {
	resp, err := r.kv.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list registered nodes")
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), Prefix)
		if id == "" || id == string(r.self) || len(kv.Value) == 0 {
			continue
		}
		out[id] = node.NormalizeHostPort(string(kv.Value), r.defPort)
	}
	return out, nil
}

func (r *Resolver) Peer(ctx context.Context) (string, error) {
	peers, err := r.Peers(ctx)
	if err != nil {
		return "", err
	}
	if len(peers) == 0 {
		return "", ErrNoPeers
	}
	addrs := make([]string, 0, len(peers))
	for _, a := range peers {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs[r.pick(len(addrs))], nil
}
