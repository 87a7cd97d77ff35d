package replication

import (
	"sync"
	"time"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
)

// DelayedProduce waits for an acks=all append to be replicated to every
// ISR member, keyed by the partitions it wrote to
type DelayedProduce struct {
	deadline time.Time
	mgr      *Manager

	mu sync.Mutex
	// pending holds the required offset per partition still waiting
	pending map[types.TopicPartition]types.Offset
	results map[types.TopicPartition]protocol.ProducePartitionResponse

	respond func(map[types.TopicPartition]protocol.ProducePartitionResponse)
}

// newDelayedProduce builds a delayed produce over the successful appends.
// requiredOffset per partition is the last offset of the appended batch;
// the operation completes once every partition's HW passes it.
func newDelayedProduce(mgr *Manager, timeout time.Duration,
	results map[types.TopicPartition]protocol.ProducePartitionResponse,
	required map[types.TopicPartition]types.Offset,
	respond func(map[types.TopicPartition]protocol.ProducePartitionResponse)) *DelayedProduce {
	return &DelayedProduce{
		deadline: time.Now().Add(timeout),
		mgr:      mgr,
		pending:  required,
		results:  results,
		respond:  respond,
	}
}

// Deadline implements purgatory.Operation
func (d *DelayedProduce) Deadline() time.Time { return d.deadline }

// TryComplete checks every pending partition's high watermark
func (d *DelayedProduce) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for tp, required := range d.pending {
		p, err := d.mgr.OnlinePartition(tp)
		if err != nil {
			// The partition moved or failed under us: record the error and
			// stop waiting on it
			r := d.results[tp]
			r.Error = errors.KindOf(err)
			d.results[tp] = r
			delete(d.pending, tp)
			continue
		}
		if !p.IsLeader() {
			r := d.results[tp]
			r.Error = errors.NotLeaderOrFollower
			d.results[tp] = r
			delete(d.pending, tp)
			continue
		}
		if p.HighWatermark() > required {
			delete(d.pending, tp)
		}
	}
	return len(d.pending) == 0
}

// Complete responds with the recorded per-partition results
func (d *DelayedProduce) Complete() {
	d.mu.Lock()
	results := d.results
	d.mu.Unlock()
	d.respond(results)
}

// Expire fails every still-pending partition with RequestTimedOut
func (d *DelayedProduce) Expire() {
	d.mu.Lock()
	for tp := range d.pending {
		r := d.results[tp]
		r.Error = errors.RequestTimedOut
		d.results[tp] = r
	}
	results := d.results
	d.mu.Unlock()
	d.respond(results)
}

// fetchPosition is the log position a delayed fetch started from
type fetchPosition struct {
	fetchOffset types.Offset
	partition   protocol.FetchPartition
}

// DelayedFetch waits until enough bytes accumulate past the fetch
// positions, keyed by the fetched partitions
type DelayedFetch struct {
	deadline time.Time
	mgr      *Manager
	params   protocol.FetchParams

	positions map[types.TopicPartition]fetchPosition

	respond func(map[types.TopicPartition]protocol.FetchPartitionData)
}

func newDelayedFetch(mgr *Manager, params protocol.FetchParams,
	positions map[types.TopicPartition]fetchPosition,
	respond func(map[types.TopicPartition]protocol.FetchPartitionData)) *DelayedFetch {
	return &DelayedFetch{
		deadline:  time.Now().Add(params.MaxWait),
		mgr:       mgr,
		params:    params,
		positions: positions,
		respond:   respond,
	}
}

// Deadline implements purgatory.Operation
func (d *DelayedFetch) Deadline() time.Time { return d.deadline }

// TryComplete estimates the bytes now readable past each fetch position;
// any error, diverging log, or a satisfied MinBytes completes the fetch
func (d *DelayedFetch) TryComplete() bool {
	accumulated := 0
	for tp, pos := range d.positions {
		p, err := d.mgr.OnlinePartition(tp)
		if err != nil {
			return true
		}
		if d.params.FetchOnlyLeader() && !p.IsLeader() {
			return true
		}
		endOffset := p.HighWatermark()
		if d.params.Isolation == protocol.FetchLogEnd {
			endOffset = p.LogEndOffset()
		}
		if endOffset < pos.fetchOffset {
			// The log was truncated under the fetcher
			return true
		}
		if pos.fetchOffset < p.LogStartOffset() {
			return true
		}
		// Accounting approximation: a fixed per-record estimate would need
		// a log scan, so count the offset delta as bytes
		delta := int(endOffset - pos.fetchOffset)
		if delta > 0 {
			accumulated += delta
		}
	}
	return accumulated >= d.params.MinBytes
}

// Complete re-reads every partition and responds
func (d *DelayedFetch) Complete() {
	d.respond(d.mgr.readFromLocalLog(d.params, d.positionsAsPartitions()))
}

// Expire responds with whatever is readable now
func (d *DelayedFetch) Expire() {
	d.respond(d.mgr.readFromLocalLog(d.params, d.positionsAsPartitions()))
}

func (d *DelayedFetch) positionsAsPartitions() map[types.TopicPartition]protocol.FetchPartition {
	out := make(map[types.TopicPartition]protocol.FetchPartition, len(d.positions))
	for tp, pos := range d.positions {
		out[tp] = pos.partition
	}
	return out
}

// DelayedDeleteRecords waits for each partition's log start offset on the
// leader to reach the requested deletion offset; follower log start offsets
// are not consulted
type DelayedDeleteRecords struct {
	deadline time.Time
	mgr      *Manager

	mu      sync.Mutex
	pending map[types.TopicPartition]types.Offset
	results map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse

	respond func(map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse)
}

func newDelayedDeleteRecords(mgr *Manager, timeout time.Duration,
	pending map[types.TopicPartition]types.Offset,
	results map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse,
	respond func(map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse)) *DelayedDeleteRecords {
	return &DelayedDeleteRecords{
		deadline: time.Now().Add(timeout),
		mgr:      mgr,
		pending:  pending,
		results:  results,
		respond:  respond,
	}
}

// Deadline implements purgatory.Operation
func (d *DelayedDeleteRecords) Deadline() time.Time { return d.deadline }

// TryComplete checks whether each partition's log start offset has reached
// the requested offset
func (d *DelayedDeleteRecords) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for tp, offset := range d.pending {
		p, err := d.mgr.OnlinePartition(tp)
		if err != nil {
			r := d.results[tp]
			r.Error = errors.KindOf(err)
			d.results[tp] = r
			delete(d.pending, tp)
			continue
		}
		if p.LogStartOffset() >= offset {
			r := d.results[tp]
			r.LowWatermark = p.LogStartOffset()
			d.results[tp] = r
			delete(d.pending, tp)
		}
	}
	return len(d.pending) == 0
}

// Complete responds with the recorded low watermarks
func (d *DelayedDeleteRecords) Complete() {
	d.mu.Lock()
	results := d.results
	d.mu.Unlock()
	d.respond(results)
}

// Expire fails remaining partitions with RequestTimedOut
func (d *DelayedDeleteRecords) Expire() {
	d.mu.Lock()
	for tp := range d.pending {
		r := d.results[tp]
		r.Error = errors.RequestTimedOut
		d.results[tp] = r
	}
	results := d.results
	d.mu.Unlock()
	d.respond(results)
}

// DelayedElectLeader waits for the controller to install the expected
// leaders after an administrative election
type DelayedElectLeader struct {
	deadline time.Time
	mgr      *Manager

	mu       sync.Mutex
	expected map[types.TopicPartition]types.BrokerID
	results  map[types.TopicPartition]errors.Kind

	respond func(map[types.TopicPartition]errors.Kind)
}

// NewDelayedElectLeader builds an elect-leader wait over the expected
// (partition -> leader) outcomes
func NewDelayedElectLeader(mgr *Manager, timeout time.Duration,
	expected map[types.TopicPartition]types.BrokerID,
	respond func(map[types.TopicPartition]errors.Kind)) *DelayedElectLeader {
	results := make(map[types.TopicPartition]errors.Kind, len(expected))
	for tp := range expected {
		results[tp] = errors.RequestTimedOut
	}
	return &DelayedElectLeader{
		deadline: time.Now().Add(timeout),
		mgr:      mgr,
		expected: expected,
		results:  results,
		respond:  respond,
	}
}

// Deadline implements purgatory.Operation
func (d *DelayedElectLeader) Deadline() time.Time { return d.deadline }

// TryComplete checks whether every expected leader has been installed
func (d *DelayedElectLeader) TryComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for tp, want := range d.expected {
		p, err := d.mgr.OnlinePartition(tp)
		if err != nil {
			continue
		}
		if p.LeaderID() == want {
			d.results[tp] = errors.None
			delete(d.expected, tp)
		}
	}
	return len(d.expected) == 0
}

// Complete responds with the per-partition outcomes
func (d *DelayedElectLeader) Complete() {
	d.mu.Lock()
	results := d.results
	d.mu.Unlock()
	d.respond(results)
}

// Expire responds with RequestTimedOut for unelected partitions
func (d *DelayedElectLeader) Expire() {
	d.Complete()
}
