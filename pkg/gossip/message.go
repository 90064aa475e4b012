package gossip

import "github.com/google/uuid"

// NodeID identifies one process instance for its whole lifetime.
type NodeID string

// NewNodeID returns a fresh random identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// DiscoveryMessage is the wire shape of a gossip push and of its reply.
// Each element of InstancesDiscovered is a single-entry map so the payload
// stays compatible with peers that append entries one node at a time.
type DiscoveryMessage struct {
	InstancesDiscovered []map[string]int64 `json:"instancesDiscovered"`
	RequestID           string             `json:"requestId,omitempty"`
}

// NewDiscoveryMessage encodes a table snapshot.
func NewDiscoveryMessage(requestID string, snap map[NodeID]int64) DiscoveryMessage {
	out := DiscoveryMessage{
		InstancesDiscovered: make([]map[string]int64, 0, len(snap)),
		RequestID:           requestID,
	}
	for id, ts := range snap {
		out.InstancesDiscovered = append(out.InstancesDiscovered, map[string]int64{string(id): ts})
	}
	return out
}

// Table flattens the message into a nodeID -> lastSeen map. Duplicate ids
// keep the newest timestamp.
func (m DiscoveryMessage) Table() map[NodeID]int64 {
	out := make(map[NodeID]int64, len(m.InstancesDiscovered))
	for _, entry := range m.InstancesDiscovered {
		for id, ts := range entry {
			if id == "" {
				continue
			}
			if cur, ok := out[NodeID(id)]; !ok || ts > cur {
				out[NodeID(id)] = ts
			}
		}
	}
	return out
}
