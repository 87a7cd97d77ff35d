package controller

import (
	"context"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// Partition reassignment moves a partition's replica set from an origin set
// ORS to a target set TRS in three phases:
//
//	U: record intent - replicas = ORS u TRS, adding = TRS \ ORS,
//	   removing = ORS \ TRS, persisted before any data movement
//	A: bump the leader epoch and push LeaderAndISR to every replica, old
//	   and new, so the new replicas start fetching
//	B: once TRS is entirely in the ISR, elect a leader from TRS if needed,
//	   stop and delete the removed replicas, and commit replicas = TRS
//
// The metadata-store trigger, the admin API and resume-after-failover all
// converge on this one state machine; only the entry points differ.

// startReassignment runs phases U and A for one partition
func (c *Controller) startReassignment(tp types.TopicPartition, target []types.BrokerID) error {
	if len(target) == 0 {
		return errors.New(errors.InvalidReplicaAssignment, "startReassignment")
	}
	for _, r := range target {
		if !c.cctx.IsRegistered(r) {
			return errors.Newf(errors.InvalidReplicaAssignment, "startReassignment",
				"target replica %d is not a registered broker", r)
		}
	}

	current, ok := c.cctx.Assignment(tp)
	if !ok {
		return errors.Newf(errors.UnknownTopicOrPartition, "startReassignment", "%s", tp)
	}

	// A superseded reassignment stops replicas that belong to neither the
	// old origin set nor the new target set
	origin := current.Origin()
	if current.IsBeingReassigned() {
		for _, r := range current.Replicas {
			if !containsBroker(origin, r) && !containsBroker(target, r) {
				c.batcher.AddStopReplica([]types.BrokerID{r}, tp, types.EpochDuringDelete, true)
				c.cctx.SetReplicaState(PartitionReplica{TopicPartition: tp, Replica: r}, ReplicaNonExistent)
			}
		}
	}

	if sameReplicas(origin, target) {
		// Nothing to move; clear any leftover markers
		c.cctx.SetAssignment(tp, types.SimpleAssignment(target))
		c.cctx.ClearReassigning(tp)
		return c.persistAssignment(tp)
	}

	// Phase U: record the expanded assignment
	reassigning := types.Reassigning(origin, target)
	c.cctx.SetAssignment(tp, reassigning)
	c.cctx.MarkReassigning(tp)
	if err := c.persistAssignment(tp); err != nil {
		return err
	}

	c.zlog.Info("reassignment started",
		zap.String("partition", tp.String()),
		zap.Int32s("origin", brokerInts(origin)),
		zap.Int32s("target", brokerInts(target)))

	// Phase A: bump the leader epoch so every replica learns the expanded
	// set, and bring the new replicas up
	info, ok := c.cctx.LeaderInfo(tp)
	if !ok {
		return errors.Newf(errors.UnknownTopicOrPartition, "startReassignment", "no leadership for %s", tp)
	}
	next := info.Clone()
	next.LeaderEpoch++
	committed, err := c.store.UpdateLeaderAndISR(context.Background(), c.cctx.Epoch, tp, info.PartitionEpoch, next)
	if err != nil {
		return err
	}
	c.cctx.SetLeaderInfo(tp, committed)

	var adding []PartitionReplica
	for _, r := range reassigning.Adding {
		adding = append(adding, PartitionReplica{TopicPartition: tp, Replica: r})
	}
	if err := c.rsm.HandleStateChanges(adding, ReplicaNew); err != nil {
		return err
	}
	if err := c.rsm.HandleStateChanges(adding, ReplicaOnline); err != nil {
		return err
	}

	c.batcher.AddLeaderAndISR(reassigning.Replicas, c.psm.leaderAndISRState(tp, committed, reassigning, false))
	c.batcher.AddUpdateMetadata(c.cctx.LiveBrokerIDs(), []types.TopicPartition{tp})

	// The target may already be fully in sync (e.g. shrink-only moves)
	return c.maybeCompleteReassignment(tp)
}

// maybeCompleteReassignment runs phase B once every target replica is in
// the ISR
func (c *Controller) maybeCompleteReassignment(tp types.TopicPartition) error {
	assignment, ok := c.cctx.Assignment(tp)
	if !ok || !assignment.IsBeingReassigned() {
		return nil
	}
	info, ok := c.cctx.LeaderInfo(tp)
	if !ok {
		return nil
	}

	target := assignment.Target()
	for _, r := range target {
		if !info.ISRContains(r) {
			return nil
		}
	}

	c.zlog.Info("reassignment target in sync, completing",
		zap.String("partition", tp.String()),
		zap.Int32s("target", brokerInts(target)))

	// Elect a leader from TRS when the current one is leaving or dead
	if !containsBroker(target, info.Leader) || !c.cctx.IsLive(info.Leader) {
		failed, fatal := c.psm.HandleStateChanges([]types.TopicPartition{tp}, PartitionOnline, ElectReassign)
		if fatal != nil {
			return fatal
		}
		if err, ok := failed[tp]; ok {
			return err
		}
		info, _ = c.cctx.LeaderInfo(tp)
	}

	// Drop the removed replicas from the ISR before stopping them
	removed := assignment.Removing
	if len(removed) > 0 {
		newISR := make([]types.BrokerID, 0, len(info.ISR))
		for _, r := range info.ISR {
			if !containsBroker(removed, r) {
				newISR = append(newISR, r)
			}
		}
		if len(newISR) != len(info.ISR) {
			next := info.WithISR(newISR)
			committed, err := c.store.UpdateLeaderAndISR(context.Background(), c.cctx.Epoch, tp, info.PartitionEpoch, next)
			if err != nil {
				return err
			}
			c.cctx.SetLeaderInfo(tp, committed)
		}

		var removedReplicas []PartitionReplica
		for _, r := range removed {
			removedReplicas = append(removedReplicas, PartitionReplica{TopicPartition: tp, Replica: r})
		}
		if err := c.rsm.HandleStateChanges(removedReplicas, ReplicaOffline); err != nil {
			return err
		}
		if err := c.rsm.HandleStateChanges(removedReplicas, ReplicaDeletionStarted); err != nil {
			return err
		}
		if err := c.rsm.HandleStateChanges(removedReplicas, ReplicaDeletionSuccessful); err != nil {
			return err
		}
		if err := c.rsm.HandleStateChanges(removedReplicas, ReplicaNonExistent); err != nil {
			return err
		}
	}

	// Commit the final assignment and drop the tracker
	c.cctx.SetAssignment(tp, types.SimpleAssignment(target))
	c.cctx.ClearReassigning(tp)
	if err := c.persistAssignment(tp); err != nil {
		return err
	}

	final, _ := c.cctx.LeaderInfo(tp)
	finalAssignment, _ := c.cctx.Assignment(tp)
	c.batcher.AddLeaderAndISR(target, c.psm.leaderAndISRState(tp, final, finalAssignment, false))
	c.batcher.AddUpdateMetadata(c.cctx.RegisteredBrokerIDs(), []types.TopicPartition{tp})
	c.batcher.Send(c.cctx.Epoch)

	c.zlog.Info("reassignment complete", zap.String("partition", tp.String()))

	// A deletion blocked by this reassignment can go ahead now
	if c.cctx.IsTopicQueuedForDeletion(tp.Topic) && !c.cctx.TopicHasReassigningPartitions(tp.Topic) {
		c.cctx.ClearTopicIneligibleForDeletion(tp.Topic)
		c.deletion.resume()
	}
	return nil
}

// resumeReassignments restarts in-flight reassignments after a failover
func (c *Controller) resumeReassignments() {
	for _, tp := range c.cctx.ReassigningPartitions() {
		if err := c.maybeCompleteReassignment(tp); err != nil {
			c.zlog.Warn("reassignment resume failed",
				zap.String("partition", tp.String()), zap.Error(err))
		}
	}
	c.batcher.Send(c.cctx.Epoch)
}

// persistAssignment writes the topic's full assignment back to the store
func (c *Controller) persistAssignment(tp types.TopicPartition) error {
	full := make(map[int32]types.ReplicaAssignment)
	for _, other := range c.cctx.PartitionsOfTopic(tp.Topic) {
		a, _ := c.cctx.Assignment(other)
		full[other.Partition] = a
	}
	return c.store.SetAssignment(context.Background(), c.cctx.Epoch, tp.Topic, full)
}

func sameReplicas(a, b []types.BrokerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
