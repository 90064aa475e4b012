package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultInterval     = 5 * time.Second
	defaultEvictFactor  = 10
	defaultChangeWindow = 3
)

// Config configures a Gossiper.
type Config struct {
	// Self is this process's identity. It must not change after New.
	Self NodeID

	// Interval is the initiator period. Entries refreshed within 2*Interval
	// are live.
	Interval time.Duration

	// RoundTimeout bounds one round, peer lookup included. Defaults to
	// Interval.
	RoundTimeout time.Duration

	// EvictAfter drops entries not refreshed for this long. Defaults to
	// 10*Interval; a negative value keeps entries forever.
	EvictAfter time.Duration

	Peers     PeerSource
	Transport Transport

	// Accelerate schedules one extra round, half an interval later, whenever
	// the live count differed across the last ChangeWindow observations.
	Accelerate   bool
	ChangeWindow int

	Logger *zap.Logger

	// Now can be overridden for testing.
	Now func() time.Time

	// OnRound, if set, observes the outcome of every initiator round.
	OnRound func(err error)
}

func (cfg *Config) setDefaults() {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = cfg.Interval
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = defaultEvictFactor * cfg.Interval
	}
	if cfg.ChangeWindow <= 1 {
		cfg.ChangeWindow = defaultChangeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// PeerUnreachableError reports an abandoned initiator round. Local state is
// unchanged apart from the self refresh that preceded the attempt.
type PeerUnreachableError struct {
	Addr string
	Err  error
}

func (e *PeerUnreachableError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("gossip peer unreachable: %v", e.Err)
	}
	return fmt.Sprintf("gossip peer %s unreachable: %v", e.Addr, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

// Gossiper runs both roles of the exchange protocol over a Table.
type Gossiper struct {
	cfg      Config
	table    *Table
	liveness Liveness
	log      *zap.Logger
	changes  *changeDetector
	kick     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates cfg and returns a Gossiper whose table already holds Self.
func New(cfg Config) (*Gossiper, error) {
	if cfg.Self == "" {
		return nil, errors.New("gossip: empty node id")
	}
	if cfg.Peers == nil {
		return nil, errors.New("gossip: no peer source")
	}
	if cfg.Transport == nil {
		return nil, errors.New("gossip: no transport")
	}
	cfg.setDefaults()

	table := NewTable(cfg.Self, cfg.Now)
	g := &Gossiper{
		cfg:      cfg,
		table:    table,
		liveness: NewLiveness(table, cfg.Interval),
		log:      cfg.Logger.With(zap.String("node", string(cfg.Self))),
		changes:  newChangeDetector(cfg.ChangeWindow),
		kick:     make(chan struct{}, 1),
	}
	return g, nil
}

// Name implements the service lifecycle used by cmd/server.
func (g *Gossiper) Name() string { return "gossip" }

// Self returns the local node id.
func (g *Gossiper) Self() NodeID { return g.cfg.Self }

// Interval returns the configured gossip period.
func (g *Gossiper) Interval() time.Duration { return g.cfg.Interval }

// Table exposes the membership table for read-only inspection.
func (g *Gossiper) Table() *Table { return g.table }

// LiveCount returns the current live-instance estimate.
func (g *Gossiper) LiveCount() int { return g.liveness.LiveCount() }

// Start launches the initiator loop. The first round runs immediately.
// Calling Start more than once has no effect.
func (g *Gossiper) Start(ctx context.Context) error {
	g.startOnce.Do(func() {
		ctx, g.cancel = context.WithCancel(ctx)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.run(ctx)
		}()
	})
	return nil
}

// Stop cancels the loop and waits for an in-flight round to finish.
func (g *Gossiper) Stop() error {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
	})
	return nil
}

func (g *Gossiper) run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	var (
		extra      *time.Timer
		extraFired <-chan time.Time
	)
	defer func() {
		if extra != nil {
			extra.Stop()
		}
	}()

	g.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		case <-g.kick:
			if extra == nil {
				extra = time.NewTimer(g.cfg.Interval / 2)
				extraFired = extra.C
			}
		case <-extraFired:
			extra, extraFired = nil, nil
			g.log.Debug("accelerated gossip round")
			g.tick(ctx)
		}
	}
}

func (g *Gossiper) tick(ctx context.Context) {
	err := g.Round(ctx)
	if err != nil && ctx.Err() == nil {
		g.log.Warn("gossip round abandoned", zap.Error(err))
	}
	if evicted := g.table.Evict(g.cfg.EvictAfter); len(evicted) > 0 {
		g.log.Info("evicted stale members", zap.Int("count", len(evicted)))
	}
	if g.cfg.OnRound != nil {
		g.cfg.OnRound(err)
	}
}

// Round performs one initiator exchange: refresh self, push the snapshot to
// the rendezvous peer and merge its reply. Failures leave the table as it
// was after the self refresh.
func (g *Gossiper) Round(ctx context.Context) error {
	g.table.RecordSelf()

	// peer lookup and exchange share one RoundTimeout budget
	rctx, cancel := context.WithTimeout(ctx, g.cfg.RoundTimeout)
	defer cancel()

	addr, err := g.cfg.Peers.Peer(rctx)
	if err != nil {
		return &PeerUnreachableError{Err: err}
	}

	msg := NewDiscoveryMessage(uuid.NewString(), g.table.Snapshot())
	reply, err := g.cfg.Transport.Exchange(rctx, addr, msg)
	if err != nil {
		return &PeerUnreachableError{Addr: addr, Err: err}
	}

	res := g.table.Merge(reply.Table())
	live := g.LiveCount()
	g.log.Debug("gossip round complete",
		zap.String("peer", addr),
		zap.Int("added", res.Added),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("live", live),
	)
	g.observe(live)
	return nil
}

// HandleDiscover is the responder role: refresh self, merge the pushed table
// and answer with the full post-merge table.
func (g *Gossiper) HandleDiscover(msg DiscoveryMessage) DiscoveryMessage {
	g.table.RecordSelf()
	res := g.table.Merge(msg.Table())
	if res.Added > 0 {
		g.log.Debug("discovered members from inbound gossip", zap.Int("added", res.Added))
	}
	g.observe(g.LiveCount())
	return NewDiscoveryMessage(msg.RequestID, g.table.Snapshot())
}

func (g *Gossiper) observe(live int) {
	if !g.cfg.Accelerate {
		return
	}
	if g.changes.Observe(live) {
		select {
		case g.kick <- struct{}{}:
		default:
		}
	}
}
