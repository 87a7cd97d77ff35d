package broker

import (
	"context"
	"sync"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/replication"
	"github.com/gstreamio/corelog/pkg/types"
)

// Network routes control and replication traffic between brokers in the
// same process. Wire framing and codecs are outside the core; a networked
// deployment substitutes its transport behind the same interfaces.
type Network struct {
	mu      sync.RWMutex
	brokers map[types.BrokerID]*Broker
}

// NewNetwork creates an empty broker network
func NewNetwork() *Network {
	return &Network{brokers: make(map[types.BrokerID]*Broker)}
}

func (n *Network) register(b *Broker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.brokers[b.ID()] = b
}

func (n *Network) unregister(id types.BrokerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.brokers, id)
}

// Lookup resolves a broker id
func (n *Network) Lookup(id types.BrokerID) (*Broker, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.brokers[id]
	return b, ok
}

// controlSender delivers controller RPCs over the network
type controlSender struct {
	net *Network
}

func (s controlSender) SendLeaderAndISR(dest types.BrokerID, req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	peer, ok := s.net.Lookup(dest)
	if !ok {
		return nil, errors.Newf(errors.ReplicaNotAvailable, "sendLeaderAndISR", "broker %d unreachable", dest)
	}
	return peer.Replicas().BecomeLeaderOrFollower(req), nil
}

func (s controlSender) SendStopReplica(dest types.BrokerID, req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {
	peer, ok := s.net.Lookup(dest)
	if !ok {
		return nil, errors.Newf(errors.ReplicaNotAvailable, "sendStopReplica", "broker %d unreachable", dest)
	}
	return peer.Replicas().StopReplicas(req), nil
}

func (s controlSender) SendUpdateMetadata(dest types.BrokerID, req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error) {
	peer, ok := s.net.Lookup(dest)
	if !ok {
		return nil, errors.Newf(errors.ReplicaNotAvailable, "sendUpdateMetadata", "broker %d unreachable", dest)
	}
	return peer.Replicas().ApplyUpdateMetadata(req), nil
}

// fetchEndpoint serves follower fetches from a peer broker
type fetchEndpoint struct {
	peer *Broker
}

func (e fetchEndpoint) Fetch(ctx context.Context, params protocol.FetchParams, partitions map[types.TopicPartition]protocol.FetchPartition) (map[types.TopicPartition]protocol.FetchPartitionData, error) {
	done := make(chan map[types.TopicPartition]protocol.FetchPartitionData, 1)
	e.peer.Replicas().FetchRecords(params, partitions, func(r map[types.TopicPartition]protocol.FetchPartitionData) {
		done <- r
	})
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// endpointProvider resolves fetch endpoints over the network
func (n *Network) endpointProvider() replication.LeaderEndpointProvider {
	return func(id types.BrokerID) (replication.LeaderEndpoint, error) {
		peer, ok := n.Lookup(id)
		if !ok {
			return nil, errors.Newf(errors.ReplicaNotAvailable, "endpoint", "broker %d unreachable", id)
		}
		return fetchEndpoint{peer: peer}, nil
	}
}

// alterRouter sends AlterPartition proposals to whichever broker currently
// holds the coordinator lease
type alterRouter struct {
	net  *Network
	find func() (types.BrokerID, bool)
}

func (r alterRouter) AlterPartition(ctx context.Context, req *protocol.AlterPartitionRequest) (*protocol.AlterPartitionResponse, error) {
	id, ok := r.find()
	if !ok {
		return nil, errors.New(errors.CoordinatorNotAvailable, "alterPartition")
	}
	peer, ok := r.net.Lookup(id)
	if !ok {
		return nil, errors.Newf(errors.CoordinatorNotAvailable, "alterPartition", "controller %d unreachable", id)
	}
	return peer.Controller().AlterPartition(ctx, req)
}
