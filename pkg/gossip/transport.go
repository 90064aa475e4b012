package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DiscoverPath is the HTTP route serving the responder role.
const DiscoverPath = "/discover"

// Transport carries one push/reply exchange to the peer at addr.
// Implementations must honour ctx for cancellation and timeouts.
type Transport interface {
	Exchange(ctx context.Context, addr string, msg DiscoveryMessage) (DiscoveryMessage, error)
}

// PeerSource picks the rendezvous address for the next initiator round.
type PeerSource interface {
	Peer(ctx context.Context) (string, error)
}

// StaticPeer is a fixed rendezvous address, typically a DNS name that load
// balances across the pool.
type StaticPeer string

func (p StaticPeer) Peer(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("no rendezvous peer configured")
	}
	return string(p), nil
}

// HTTPTransport posts JSON to DiscoverPath on the peer.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns an HTTPTransport. A nil client gets a 5s timeout.
func NewHTTPTransport(c *http.Client) *HTTPTransport {
	if c == nil {
		c = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPTransport{Client: c}
}

func (t *HTTPTransport) Exchange(ctx context.Context, addr string, msg DiscoveryMessage) (DiscoveryMessage, error) {
	var out DiscoveryMessage
	body, err := json.Marshal(msg)
	if err != nil {
		return out, errors.Wrap(err, "encode discovery message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discoverURL(addr), bytes.NewReader(body))
	if err != nil {
		return out, errors.Wrap(err, "build discovery request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return out, fmt.Errorf("peer answered %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrap(err, "decode discovery reply")
	}
	return out, nil
}

func discoverURL(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + DiscoverPath
}

// InProcTransport routes exchanges to gossipers registered in the same
// process. Unknown or partitioned addresses fail like an unreachable peer.
type InProcTransport struct {
	mu          sync.RWMutex
	nodes       map[string]*Gossiper
	partitioned map[string]bool
}

func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		nodes:       make(map[string]*Gossiper),
		partitioned: make(map[string]bool),
	}
}

// Register makes g reachable at addr.
func (t *InProcTransport) Register(addr string, g *Gossiper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[addr] = g
}

// Partition makes addr unreachable (or reachable again).
func (t *InProcTransport) Partition(addr string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitioned[addr] = down
}

func (t *InProcTransport) Exchange(ctx context.Context, addr string, msg DiscoveryMessage) (DiscoveryMessage, error) {
	if err := ctx.Err(); err != nil {
		return DiscoveryMessage{}, err
	}
	t.mu.RLock()
	g, ok := t.nodes[addr]
	down := t.partitioned[addr]
	t.mu.RUnlock()
	if !ok || down {
		return DiscoveryMessage{}, fmt.Errorf("no route to %s", addr)
	}
	return g.HandleDiscover(msg), nil
}
