package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrpace/internal/telemetry"
	"github.com/ryandielhenn/zephyrpace/pkg/admission"
	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
)

// LogicRequest is the body accepted by /doLogic.
type LogicRequest struct {
	SomeData string `json:"someData"`
}

// LogicResponse is the body returned by /doLogic on success.
type LogicResponse struct {
	DoneData string `json:"doneData"`
}

// Queue is the admission queue a Node submits /doLogic work to.
type Queue = admission.Queue[LogicRequest, LogicResponse]

type Node struct {
	gsp     *gossip.Gossiper
	queue   *Queue
	addr    string
	log     *zap.Logger
	started time.Time
}

func New(g *gossip.Gossiper, q *Queue, addr string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		gsp:     g,
		queue:   q,
		addr:    addr,
		log:     log.With(zap.String("node", string(g.Self()))),
		started: time.Now(),
	}
}

func (n *Node) Addr() string {
	return n.addr
}

func (n *Node) ID() gossip.NodeID {
	return n.gsp.Self()
}

// Routes mounts every node endpoint on mux, instrumented per operation.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle(gossip.DiscoverPath, telemetry.Instrument("discover", http.HandlerFunc(n.Discover)))
	mux.Handle("/doLogic", telemetry.Instrument("do_logic", http.HandlerFunc(n.DoLogic)))
	mux.Handle("/admin/drain", telemetry.Instrument("drain", http.HandlerFunc(n.Drain)))
}
