package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrpace/pkg/admission"
	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
)

// healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info reports the node identity, its view of the pool and the queue state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		NodeID         string    `json:"nodeId"`
		Addr           string    `json:"addr"`
		PID            int       `json:"pid"`
		Now            time.Time `json:"now"`
		Uptime         string    `json:"uptime"`
		Live           int       `json:"live"`
		Known          int       `json:"known"`
		QueueDepth     int       `json:"queueDepth"`
		QueueCapacity  int       `json:"queueCapacity"`
		PacingInterval string    `json:"pacingInterval"`
		LastDispatch   time.Time `json:"lastDispatch"`
	}
	st := n.queue.Stats()
	writeJSON(w, http.StatusOK, resp{
		NodeID:         string(n.gsp.Self()),
		Addr:           n.addr,
		PID:            os.Getpid(),
		Now:            time.Now(),
		Uptime:         time.Since(n.started).Round(time.Second).String(),
		Live:           n.gsp.LiveCount(),
		Known:          n.gsp.Table().Len(),
		QueueDepth:     st.Depth,
		QueueCapacity:  st.Capacity,
		PacingInterval: st.PacingInterval.String(),
		LastDispatch:   st.LastDispatch,
	})
}

// Members writes the membership table as nodeId -> lastSeen epoch seconds.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Self    string           `json:"self"`
		Live    int              `json:"live"`
		Members map[string]int64 `json:"members"`
	}
	snap := n.gsp.Table().Snapshot()
	members := make(map[string]int64, len(snap))
	for id, ts := range snap {
		members[string(id)] = ts
	}
	writeJSON(w, http.StatusOK, resp{
		Self:    string(n.gsp.Self()),
		Live:    n.gsp.LiveCount(),
		Members: members,
	})
}

// Discover is the gossip responder: merge the pushed table and answer with
// the full local table.
func (n *Node) Discover(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg gossip.DiscoveryMessage
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid discovery message: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, n.gsp.HandleDiscover(msg))
}

// DoLogic admits the request through the pacing queue and waits for the
// processor's answer.
func (n *Node) DoLogic(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var in LogicRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	out, err := n.queue.Submit(ctx, in).Wait(ctx)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			n.log.Warn("doLogic failed", zap.Int("status", status), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Drain force-dispatches every queued request.
func (n *Node) Drain(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	drained := n.queue.Drain()
	n.log.Info("admission queue drained", zap.Int("count", drained))
	writeJSON(w, http.StatusOK, map[string]int{"drained": drained})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, admission.ErrRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, admission.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, admission.ErrDownstream):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
