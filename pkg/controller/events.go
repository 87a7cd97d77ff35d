package controller

import (
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
)

// eventKind tags the controller events. Handling is strictly serial: one
// event-processing goroutine consumes the queue in enqueue order.
type eventKind int8

const (
	evStartup eventKind = iota
	// evControllerChange fires when the coordinator lease changes hands or
	// is released; standby brokers use it to attempt a claim
	evControllerChange
	// evExpire signals this controller's session is gone; it must resign
	// and then try to re-elect
	evExpire
	evBrokerChange
	evTopicChange
	evTopicDeletion
	evReassignmentTrigger
	evPreferredElectionTrigger
	evPreferredRebalanceTick
	evUncleanElectionToggle
	evLogDirFailure
	evAlterPartition
	evControlledShutdown
	evElectLeaders
	evUpdateFeatures
	evAllocateProducerIDs
	evShutdown
)

var eventNames = map[eventKind]string{
	evStartup:                  "Startup",
	evControllerChange:         "ControllerChange",
	evExpire:                   "Expire",
	evBrokerChange:             "BrokerChange",
	evTopicChange:              "TopicChange",
	evTopicDeletion:            "TopicDeletion",
	evReassignmentTrigger:      "ReassignmentTrigger",
	evPreferredElectionTrigger: "PreferredElectionTrigger",
	evPreferredRebalanceTick:   "PreferredRebalanceTick",
	evUncleanElectionToggle:    "UncleanElectionToggle",
	evLogDirFailure:            "LogDirFailure",
	evAlterPartition:           "AlterPartition",
	evControlledShutdown:       "ControlledShutdown",
	evElectLeaders:             "ElectLeaders",
	evUpdateFeatures:           "UpdateFeatures",
	evAllocateProducerIDs:      "AllocateProducerIDs",
	evShutdown:                 "Shutdown",
}

// event is one queued unit of controller work. Response channels are
// buffered with capacity 1 so processing never blocks on a slow caller.
type event struct {
	kind eventKind

	brokerID types.BrokerID

	alterReq    *protocol.AlterPartitionRequest
	alterRespCh chan *protocol.AlterPartitionResponse

	shutdownRespCh chan *protocol.ControlledShutdownResponse

	electPartitions []types.TopicPartition
	electStrategy   ElectionStrategy
	electRespCh     chan map[types.TopicPartition]errors.Kind

	features       map[string]int16
	featuresRespCh chan error

	pidBrokerEpoch int64
	pidRespCh      chan producerIDResult

	// ackCh, when set, is closed once the event has been processed
	ackCh chan struct{}
}

// producerIDResult answers an AllocateProducerIDs event
type producerIDResult struct {
	block metastore.ProducerIDBlock
	err   error
}

// name returns the event's display name
func (e *event) name() string {
	if n, ok := eventNames[e.kind]; ok {
		return n
	}
	return "Unknown"
}

// preempt answers any waiting callback with NotController. Invoked while
// draining the queue when the coordinator moves to another broker.
func (e *event) preempt() {
	switch e.kind {
	case evAlterPartition:
		e.alterRespCh <- &protocol.AlterPartitionResponse{Error: errors.NotController}
	case evControlledShutdown:
		e.shutdownRespCh <- &protocol.ControlledShutdownResponse{Error: errors.NotController}
	case evElectLeaders:
		resp := make(map[types.TopicPartition]errors.Kind, len(e.electPartitions))
		for _, tp := range e.electPartitions {
			resp[tp] = errors.NotController
		}
		e.electRespCh <- resp
	case evUpdateFeatures:
		e.featuresRespCh <- errors.New(errors.NotController, "updateFeatures")
	case evAllocateProducerIDs:
		e.pidRespCh <- producerIDResult{err: errors.New(errors.NotController, "allocateProducerIDs")}
	}
}
