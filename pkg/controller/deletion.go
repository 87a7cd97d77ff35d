package controller

import (
	"context"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// deletionManager drives topic deletion. A topic is deleted only when every
// partition can start replica deletion; a partition stuck behind a
// reassignment or an offline replica marks the whole topic ineligible, and
// deletion resumes when the blocker clears.
type deletionManager struct {
	c    *Controller
	zlog *zap.Logger
}

func newDeletionManager(c *Controller) *deletionManager {
	return &deletionManager{c: c, zlog: logger.Named("topic-deletion")}
}

// resume retries deletion for every queued, eligible topic
func (d *deletionManager) resume() {
	cctx := d.c.cctx
	for _, topic := range cctx.TopicsToBeDeleted() {
		if !d.eligible(topic) {
			cctx.MarkTopicIneligibleForDeletion(topic)
			continue
		}
		cctx.ClearTopicIneligibleForDeletion(topic)
		if err := d.deleteTopic(topic); err != nil {
			d.zlog.Warn("topic deletion attempt failed",
				zap.String("topic", topic), zap.Error(err))
		}
	}
}

// eligible reports whether nothing currently blocks the topic's deletion
func (d *deletionManager) eligible(topic string) bool {
	cctx := d.c.cctx
	if cctx.TopicHasReassigningPartitions(topic) {
		return false
	}
	for _, tp := range cctx.PartitionsOfTopic(topic) {
		assignment, _ := cctx.Assignment(tp)
		for _, r := range assignment.Replicas {
			pr := PartitionReplica{TopicPartition: tp, Replica: r}
			state := cctx.ReplicaStateOf(pr)
			// A replica on a dead broker cannot confirm deletion; wait for
			// the broker to return
			if state == ReplicaOffline && !cctx.IsRegistered(r) {
				return false
			}
		}
	}
	return true
}

// deleteTopic walks every partition through teardown: partitions move
// Offline then NonExistent, replicas through ReplicaDeletionStarted to
// Successful, and the topic's metadata is removed last
func (d *deletionManager) deleteTopic(topic string) error {
	cctx := d.c.cctx
	cctx.MarkTopicDeletionStarted(topic)
	d.zlog.Info("deleting topic", zap.String("topic", topic))

	partitions := cctx.PartitionsOfTopic(topic)

	// Take partitions down first so no new writes land while replicas die
	var toOffline []types.TopicPartition
	for _, tp := range partitions {
		if s := cctx.PartitionStateOf(tp); s == PartitionOnline || s == PartitionNew {
			toOffline = append(toOffline, tp)
		}
	}
	if _, err := d.c.psm.HandleStateChanges(toOffline, PartitionOffline, ElectOffline); err != nil {
		return err
	}

	var replicas []PartitionReplica
	for _, tp := range partitions {
		assignment, _ := cctx.Assignment(tp)
		for _, r := range assignment.Replicas {
			replicas = append(replicas, PartitionReplica{TopicPartition: tp, Replica: r})
		}
	}

	// Offline is the gateway into deletion for live replicas
	var toDelete []PartitionReplica
	for _, pr := range replicas {
		switch cctx.ReplicaStateOf(pr) {
		case ReplicaOnline, ReplicaNew, ReplicaOffline, ReplicaDeletionIneligible:
			toDelete = append(toDelete, pr)
		}
	}
	for _, pr := range toDelete {
		if s := cctx.ReplicaStateOf(pr); s != ReplicaOffline {
			if err := d.c.rsm.HandleStateChanges([]PartitionReplica{pr}, ReplicaOffline); err != nil {
				return err
			}
		}
	}
	if err := d.c.rsm.HandleStateChanges(toDelete, ReplicaDeletionStarted); err != nil {
		return err
	}
	d.c.batcher.Send(cctx.Epoch)

	// The control sender is synchronous: judge each replica by its
	// StopReplica response
	responses := d.c.batcher.StopReplicaResponses()
	var successful, ineligible []PartitionReplica
	for _, pr := range toDelete {
		kind, ok := d.replicaDeletionOutcome(responses, pr)
		if ok && kind == errors.None {
			successful = append(successful, pr)
		} else {
			ineligible = append(ineligible, pr)
		}
	}

	if err := d.c.rsm.HandleStateChanges(successful, ReplicaDeletionSuccessful); err != nil {
		return err
	}
	if len(ineligible) > 0 {
		if err := d.c.rsm.HandleStateChanges(ineligible, ReplicaDeletionIneligible); err != nil {
			return err
		}
		cctx.MarkTopicIneligibleForDeletion(topic)
		d.zlog.Info("topic deletion blocked by ineligible replicas",
			zap.String("topic", topic), zap.Int("replicas", len(ineligible)))
		return nil
	}

	return d.finishDeletion(topic, partitions, successful)
}

// replicaDeletionOutcome extracts a replica's StopReplica result
func (d *deletionManager) replicaDeletionOutcome(responses map[types.BrokerID]*protocol.StopReplicaResponse, pr PartitionReplica) (errors.Kind, bool) {
	resp, ok := responses[pr.Replica]
	if !ok || resp == nil {
		return errors.UnknownServerError, false
	}
	kind, ok := resp.Partitions[pr.TopicPartition]
	return kind, ok
}

// finishDeletion moves everything to NonExistent and removes the topic from
// the metadata store
func (d *deletionManager) finishDeletion(topic string, partitions []types.TopicPartition, replicas []PartitionReplica) error {
	cctx := d.c.cctx

	if err := d.c.rsm.HandleStateChanges(replicas, ReplicaNonExistent); err != nil {
		return err
	}
	if _, err := d.c.psm.HandleStateChanges(partitions, PartitionNonExistent, ElectOffline); err != nil {
		return err
	}

	for _, tp := range partitions {
		if err := d.c.store.RemoveLeaderAndISR(context.Background(), cctx.Epoch, tp); err != nil {
			return err
		}
	}
	if err := d.c.store.RemoveTopic(context.Background(), cctx.Epoch, topic); err != nil {
		return err
	}
	if err := d.c.store.ClearTopicDeletion(context.Background(), cctx.Epoch, topic); err != nil {
		return err
	}
	cctx.RemoveTopic(topic)

	d.c.batcher.AddUpdateMetadata(cctx.RegisteredBrokerIDs(), partitions)
	d.c.batcher.Send(cctx.Epoch)
	d.zlog.Info("topic deleted", zap.String("topic", topic))
	return nil
}

// markTopicsIneligibleFor blocks deletion of topics whose replicas just
// went offline
func (d *deletionManager) markTopicsIneligibleFor(replicas []PartitionReplica) {
	for _, pr := range replicas {
		topic := pr.TopicPartition.Topic
		if d.c.cctx.IsTopicQueuedForDeletion(topic) {
			d.c.cctx.MarkTopicIneligibleForDeletion(topic)
		}
	}
}
