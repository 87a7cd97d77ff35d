package replication

import (
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
)

// ReplicaView is a read-replica candidate: an in-sync follower whose log
// range covers the fetch offset
type ReplicaView struct {
	ID             types.BrokerID
	Rack           string
	LogStartOffset types.Offset
	LogEndOffset   types.Offset
}

// ReplicaSelector picks the replica a consumer should fetch from. A false
// return keeps the consumer on the leader.
type ReplicaSelector interface {
	Select(client protocol.ClientMetadata, candidates []ReplicaView) (types.BrokerID, bool)
}

// NewSelector resolves a configured selector name. An empty name disables
// follower reads.
func NewSelector(name string) ReplicaSelector {
	switch name {
	case "rack-aware":
		return RackAwareSelector{}
	default:
		return nil
	}
}

// RackAwareSelector redirects consumers to an in-sync replica in their own
// rack. Ties break on the lowest broker id so repeated fetches land on the
// same replica.
type RackAwareSelector struct{}

// Select implements ReplicaSelector
func (RackAwareSelector) Select(client protocol.ClientMetadata, candidates []ReplicaView) (types.BrokerID, bool) {
	if client.RackID == "" {
		return 0, false
	}
	var best types.BrokerID = -1
	for _, c := range candidates {
		if c.Rack != client.RackID {
			continue
		}
		if best < 0 || c.ID < best {
			best = c.ID
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
