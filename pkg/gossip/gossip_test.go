package gossip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGossiper(t *testing.T, self NodeID, peer string, tr Transport, mutate ...func(*Config)) *Gossiper {
	t.Helper()
	cfg := Config{
		Self:      self,
		Interval:  time.Second,
		Peers:     StaticPeer(peer),
		Transport: tr,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestNewValidates(t *testing.T) {
	tr := NewInProcTransport()
	_, err := New(Config{Peers: StaticPeer("x"), Transport: tr})
	assert.Error(t, err)
	_, err = New(Config{Self: "a", Transport: tr})
	assert.Error(t, err)
	_, err = New(Config{Self: "a", Peers: StaticPeer("x")})
	assert.Error(t, err)
}

func TestHandleDiscover_MergesAndRepliesWithFullTable(t *testing.T) {
	clk := newManualNow()
	now := clk.Unix()
	t0, t1, t2 := now-8, now-2, now-4

	g := newTestGossiper(t, "self", "peer", NewInProcTransport(), func(c *Config) { c.Now = clk.Now })
	g.Table().Merge(map[NodeID]int64{"nodeA": t0, "nodeB": t2})

	reply := g.HandleDiscover(NewDiscoveryMessage("req-1", map[NodeID]int64{"nodeA": t1}))

	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, map[NodeID]int64{"nodeA": t1, "nodeB": t2, "self": now}, reply.Table())
}

func TestRound_PeerUnreachable(t *testing.T) {
	clk := newManualNow()
	tr := NewInProcTransport()
	g := newTestGossiper(t, "self", "nowhere", tr, func(c *Config) { c.Now = clk.Now })

	clk.Advance(3 * time.Second)
	err := g.Round(context.Background())
	require.Error(t, err)

	var pu *PeerUnreachableError
	require.True(t, errors.As(err, &pu))
	assert.Equal(t, "nowhere", pu.Addr)

	// the self refresh still happened, nothing else did
	assert.Equal(t, map[NodeID]int64{"self": clk.Unix()}, g.Table().Snapshot())
}

// blockingPeers never answers until its context ends, like a registry
// lookup against an unreachable backend.
type blockingPeers struct{}

func (blockingPeers) Peer(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRound_PeerLookupBoundedByRoundTimeout(t *testing.T) {
	g, err := New(Config{
		Self:         "self",
		Interval:     time.Second,
		RoundTimeout: 50 * time.Millisecond,
		Peers:        blockingPeers{},
		Transport:    NewInProcTransport(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err = g.Round(ctx)
	elapsed := time.Since(start)

	var pu *PeerUnreachableError
	require.ErrorAs(t, err, &pu)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second, "lookup outlived the round timeout")
}

func TestRound_EmptyPeer(t *testing.T) {
	g := newTestGossiper(t, "self", "", NewInProcTransport())
	var pu *PeerUnreachableError
	require.ErrorAs(t, g.Round(context.Background()), &pu)
	assert.Empty(t, pu.Addr)
}

func TestTwoNodesConverge(t *testing.T) {
	tr := NewInProcTransport()
	a := newTestGossiper(t, "a", "addr-b", tr)
	b := newTestGossiper(t, "b", "addr-a", tr)
	tr.Register("addr-a", a)
	tr.Register("addr-b", b)

	ctx := context.Background()
	converged := false
	for round := 0; round < 3 && !converged; round++ {
		require.NoError(t, a.Round(ctx))
		require.NoError(t, b.Round(ctx))
		converged = a.LiveCount() == 2 && b.LiveCount() == 2
	}
	assert.True(t, converged, "a=%d b=%d", a.LiveCount(), b.LiveCount())
}

func TestThreeNodesConvergeThroughRendezvous(t *testing.T) {
	// every node only knows the rendezvous address, like a DNS name
	tr := NewInProcTransport()
	hub := newTestGossiper(t, "hub", "hub", tr)
	tr.Register("hub", hub)
	x := newTestGossiper(t, "x", "hub", tr)
	y := newTestGossiper(t, "y", "hub", tr)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, x.Round(ctx))
		require.NoError(t, y.Round(ctx))
	}
	assert.Equal(t, 3, hub.LiveCount())
	assert.Equal(t, 3, x.LiveCount())
	assert.Equal(t, 3, y.LiveCount())
}

func TestPartitionedPeerRecoversNextRound(t *testing.T) {
	tr := NewInProcTransport()
	a := newTestGossiper(t, "a", "addr-b", tr)
	b := newTestGossiper(t, "b", "addr-a", tr)
	tr.Register("addr-a", a)
	tr.Register("addr-b", b)

	tr.Partition("addr-b", true)
	require.Error(t, a.Round(context.Background()))
	assert.Equal(t, 1, a.LiveCount())

	tr.Partition("addr-b", false)
	require.NoError(t, a.Round(context.Background()))
	assert.Equal(t, 2, a.LiveCount())
}

func TestStartRunsRoundsUntilStop(t *testing.T) {
	tr := NewInProcTransport()
	var ok, failed atomic.Int32
	b := newTestGossiper(t, "b", "addr-a", tr)
	tr.Register("addr-b", b)
	a := newTestGossiper(t, "a", "addr-b", tr, func(c *Config) {
		c.Interval = 20 * time.Millisecond
		c.OnRound = func(err error) {
			if err != nil {
				failed.Add(1)
				return
			}
			ok.Add(1)
		}
	})

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool { return ok.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop())

	after := ok.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, ok.Load(), "rounds ran after Stop")
	assert.Zero(t, failed.Load())
	assert.Equal(t, 2, b.LiveCount())
}

func TestStopWithoutStart(t *testing.T) {
	g := newTestGossiper(t, "a", "b", NewInProcTransport())
	assert.NoError(t, g.Stop())
}

func TestAccelerateKicksOnChange(t *testing.T) {
	g := newTestGossiper(t, "a", "b", NewInProcTransport(), func(c *Config) { c.Accelerate = true })

	g.HandleDiscover(NewDiscoveryMessage("", nil))
	assert.Len(t, g.kick, 0, "steady count must not kick")

	g.HandleDiscover(NewDiscoveryMessage("", map[NodeID]int64{"b": time.Now().Unix()}))
	assert.Len(t, g.kick, 1)

	// a pending kick is not duplicated
	g.HandleDiscover(NewDiscoveryMessage("", map[NodeID]int64{"c": time.Now().Unix()}))
	assert.Len(t, g.kick, 1)
}

func TestAccelerateRunsOneExtraRound(t *testing.T) {
	const interval = 2 * time.Second
	var (
		mu     sync.Mutex
		rounds []time.Time
	)
	g := newTestGossiper(t, "a", "nowhere", NewInProcTransport(), func(c *Config) {
		c.Interval = interval
		c.Accelerate = true
		c.OnRound = func(error) {
			mu.Lock()
			defer mu.Unlock()
			rounds = append(rounds, time.Now())
		}
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(rounds)
	}

	start := time.Now()
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	// live count 1 -> 2 arms the extra round
	g.HandleDiscover(NewDiscoveryMessage("", nil))
	g.HandleDiscover(NewDiscoveryMessage("", map[NodeID]int64{"b": time.Now().Unix()}))
	kicked := time.Now()

	// a later change while the extra round is pending must not arm another
	time.Sleep(400 * time.Millisecond)
	g.HandleDiscover(NewDiscoveryMessage("", map[NodeID]int64{"c": time.Now().Unix()}))

	// stop short of the next regular tick
	time.Sleep(time.Until(start.Add(interval - 150*time.Millisecond)))

	mu.Lock()
	got := append([]time.Time(nil), rounds...)
	mu.Unlock()
	require.Len(t, got, 2, "expected the initial round plus exactly one extra round")
	assert.InDelta(t, float64(interval/2), float64(got[1].Sub(kicked)), float64(250*time.Millisecond))
}

func TestChangeDetector(t *testing.T) {
	d := newChangeDetector(3)
	assert.False(t, d.Observe(1))
	assert.False(t, d.Observe(1))
	assert.True(t, d.Observe(2))
	assert.True(t, d.Observe(2))
	assert.False(t, d.Observe(2)) // window settled on [2 2 2]
	assert.True(t, d.Observe(1))
}

func TestHTTPTransportExchange(t *testing.T) {
	remote := newTestGossiper(t, "remote", "unused", NewInProcTransport())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DiscoverPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var msg DiscoveryMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(remote.HandleDiscover(msg))
	}))
	defer srv.Close()

	local := newTestGossiper(t, "local", srv.URL, NewHTTPTransport(srv.Client()))
	require.NoError(t, local.Round(context.Background()))
	assert.Equal(t, 2, local.LiveCount())
	assert.Equal(t, 2, remote.LiveCount())
}

func TestHTTPTransportNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(nil).Exchange(context.Background(), srv.URL, DiscoveryMessage{})
	assert.Error(t, err)
}

func TestDiscoverURL(t *testing.T) {
	assert.Equal(t, "http://pool:8080/discover", discoverURL("pool:8080"))
	assert.Equal(t, "https://pool/discover", discoverURL("https://pool/"))
}
