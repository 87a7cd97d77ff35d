package controller

import (
	"context"
	"sync"
	"time"

	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// eventQueueSize bounds the controller's FIFO event queue
const eventQueueSize = 4096

// Controller is the cluster coordinator. Every broker runs one; at most one
// holds the coordinator lease and is active. All cluster state mutations
// happen on the single event-processing goroutine.
type Controller struct {
	cfg      *config.Config
	brokerID types.BrokerID
	store    metastore.Store
	sender   ControlSender

	// activeMu guards active, epoch and stopping, the only fields read off-thread
	activeMu sync.RWMutex
	active   bool
	epoch    int32
	stopping bool

	// cctx and the state machines are event-thread only
	cctx     *Context
	psm      *PartitionStateMachine
	rsm      *ReplicaStateMachine
	batcher  *Batcher
	deletion *deletionManager

	watches []metastore.CancelFunc

	events chan *event
	stopCh chan struct{}
	wg     sync.WaitGroup

	zlog *zap.Logger
}

// New creates a controller for this broker
func New(cfg *config.Config, store metastore.Store, sender ControlSender) *Controller {
	return &Controller{
		cfg:      cfg,
		brokerID: types.BrokerID(cfg.BrokerID),
		store:    store,
		sender:   sender,
		events:   make(chan *event, eventQueueSize),
		stopCh:   make(chan struct{}),
		zlog:     logger.Named("controller").With(zap.Int32("broker", int32(cfg.BrokerID))),
	}
}

// Start launches the event loop and attempts the first election
func (c *Controller) Start() error {
	// Re-election is driven by the lease watch; it fires on release
	cancel := c.store.WatchLease(func() { c.enqueue(&event{kind: evControllerChange}) })
	c.watches = append(c.watches, cancel)

	c.wg.Add(2)
	go c.eventLoop()
	go c.rebalanceTickLoop()

	c.enqueue(&event{kind: evStartup})
	return nil
}

// Stop resigns if active and stops the event loop
func (c *Controller) Stop() {
	c.activeMu.Lock()
	c.stopping = true
	c.activeMu.Unlock()

	ack := make(chan struct{})
	c.enqueue(&event{kind: evShutdown, ackCh: ack})
	select {
	case <-ack:
	case <-time.After(5 * time.Second):
		c.zlog.Warn("shutdown event not acknowledged")
	}
	close(c.stopCh)
	c.wg.Wait()

	for _, cancel := range c.watches {
		cancel()
	}
	c.drainAndPreempt()
}

// IsActive reports whether this broker currently holds the lease
func (c *Controller) IsActive() bool {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.active
}

// Epoch returns the controller epoch of the current activation
func (c *Controller) Epoch() int32 {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.epoch
}

func (c *Controller) setActive(active bool, epoch int32) {
	c.activeMu.Lock()
	c.active = active
	c.epoch = epoch
	c.activeMu.Unlock()
}

func (c *Controller) enqueue(e *event) {
	select {
	case c.events <- e:
	case <-c.stopCh:
		e.preempt()
	}
}

// --- public request surface (any goroutine) ---

// AlterPartition proposes an ISR change; the event loop validates and
// commits it
func (c *Controller) AlterPartition(_ context.Context, req *protocol.AlterPartitionRequest) (*protocol.AlterPartitionResponse, error) {
	respCh := make(chan *protocol.AlterPartitionResponse, 1)
	c.enqueue(&event{kind: evAlterPartition, alterReq: req, alterRespCh: respCh})
	return <-respCh, nil
}

// ControlledShutdown moves leadership away from a broker that is shutting
// down and reports the partitions it could not move yet
func (c *Controller) ControlledShutdown(brokerID types.BrokerID) *protocol.ControlledShutdownResponse {
	respCh := make(chan *protocol.ControlledShutdownResponse, 1)
	c.enqueue(&event{kind: evControlledShutdown, brokerID: brokerID, shutdownRespCh: respCh})
	return <-respCh
}

// ElectLeaders runs an administrative election over the given partitions
func (c *Controller) ElectLeaders(partitions []types.TopicPartition, strategy ElectionStrategy) map[types.TopicPartition]errors.Kind {
	respCh := make(chan map[types.TopicPartition]errors.Kind, 1)
	c.enqueue(&event{kind: evElectLeaders, electPartitions: partitions, electStrategy: strategy, electRespCh: respCh})
	return <-respCh
}

// UpdateFeatures replaces the finalized feature levels
func (c *Controller) UpdateFeatures(features map[string]int16) error {
	if !c.cfg.FeatureVersioningEnable {
		return errors.New(errors.PolicyViolation, "updateFeatures")
	}
	respCh := make(chan error, 1)
	c.enqueue(&event{kind: evUpdateFeatures, features: features, featuresRespCh: respCh})
	return <-respCh
}

// AllocateProducerIDs grants a producer-id block to the requesting broker
func (c *Controller) AllocateProducerIDs(brokerID types.BrokerID, brokerEpoch int64) (metastore.ProducerIDBlock, error) {
	respCh := make(chan producerIDResult, 1)
	c.enqueue(&event{kind: evAllocateProducerIDs, brokerID: brokerID, pidBrokerEpoch: brokerEpoch, pidRespCh: respCh})
	res := <-respCh
	return res.block, res.err
}

// SessionExpired tells the controller its metadata-store session is gone;
// it resigns and then attempts re-election
func (c *Controller) SessionExpired() {
	c.enqueue(&event{kind: evExpire})
}

// NotifyUncleanElectionEnabled triggers an election attempt for offline
// partitions after unclean election is switched on
func (c *Controller) NotifyUncleanElectionEnabled() {
	c.enqueue(&event{kind: evUncleanElectionToggle})
}

// --- event loop ---

func (c *Controller) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case e := <-c.events:
			c.processEvent(e)
		}
	}
}

// processEvent dispatches one event. Internal invariant violations force
// resignation so a healthy broker can take over; they are never swallowed.
func (c *Controller) processEvent(e *event) {
	defer func() {
		if r := recover(); r != nil {
			c.zlog.Error("event processing panicked, resigning",
				zap.String("event", e.name()), zap.Any("panic", r))
			c.resign()
		}
		if e.ackCh != nil {
			close(e.ackCh)
		}
	}()

	if !c.IsActive() {
		switch e.kind {
		case evStartup, evControllerChange:
			c.tryElect()
		case evShutdown:
		default:
			e.preempt()
		}
		return
	}

	var fatal error
	switch e.kind {
	case evStartup, evControllerChange:
		// Already active; a lease watch firing for our own claim
	case evExpire:
		c.zlog.Warn("controller session expired, resigning")
		c.resign()
		c.tryElect()
	case evShutdown:
		c.resign()
	case evBrokerChange:
		fatal = c.onBrokerChange()
	case evTopicChange:
		fatal = c.onTopicChange()
	case evTopicDeletion:
		fatal = c.onTopicDeletionTrigger()
	case evReassignmentTrigger:
		fatal = c.onReassignmentTrigger()
	case evPreferredElectionTrigger:
		c.onPreferredElectionTrigger()
	case evPreferredRebalanceTick:
		c.onPreferredRebalanceTick()
	case evUncleanElectionToggle:
		fatal = c.onUncleanElectionToggle()
	case evLogDirFailure:
		fatal = c.onLogDirFailure(e.brokerID)
	case evAlterPartition:
		e.alterRespCh <- c.handleAlterPartition(e.alterReq)
	case evControlledShutdown:
		e.shutdownRespCh <- c.handleControlledShutdown(e.brokerID)
	case evElectLeaders:
		e.electRespCh <- c.handleElectLeaders(e.electPartitions, e.electStrategy)
	case evUpdateFeatures:
		e.featuresRespCh <- c.store.SetFeatures(context.Background(), c.cctx.Epoch, e.features)
	case evAllocateProducerIDs:
		block, err := c.store.AllocateProducerIDBlock(context.Background(), e.brokerID, e.pidBrokerEpoch)
		e.pidRespCh <- producerIDResult{block: block, err: err}
	}

	if fatal != nil {
		if _, ok := fatal.(*ErrIllegalStateTransition); ok {
			c.zlog.Error("illegal state transition, resigning", zap.Error(fatal))
			c.resign()
			return
		}
		if fatal == metastore.ErrCoordinatorMoved {
			c.zlog.Warn("coordinator moved underneath us, resigning")
			c.resign()
			return
		}
		c.zlog.Error("event handling failed", zap.String("event", e.name()), zap.Error(fatal))
	}
}

// --- election and resignation ---

// tryElect claims the coordinator lease and, on success, rebuilds cluster
// state, registers watches, and emits full metadata to every broker
func (c *Controller) tryElect() {
	c.activeMu.RLock()
	stopping := c.stopping
	c.activeMu.RUnlock()
	if stopping {
		return
	}

	epoch, err := c.store.ClaimLease(context.Background(), c.brokerID)
	if err != nil {
		if err != metastore.ErrLeaseHeld {
			c.zlog.Warn("lease claim failed", zap.Error(err))
		}
		return
	}

	c.zlog.Info("elected controller", zap.Int32("epoch", epoch))
	c.cctx = NewContext(epoch)
	c.batcher = NewBatcher(c.brokerID, c.cctx, c.sender)
	c.psm = NewPartitionStateMachine(c.cctx, c.store, c.batcher,
		func() bool { return c.cfg.UncleanLeaderElectionEnable })
	c.rsm = NewReplicaStateMachine(c.cctx, c.store, c.batcher)
	c.deletion = newDeletionManager(c)
	c.setActive(true, epoch)

	if err := c.rebuildContext(); err != nil {
		c.zlog.Error("context rebuild failed, resigning", zap.Error(err))
		c.resign()
		return
	}
	c.registerWatches()

	// Full metadata push so every broker discards stale views
	c.batcher.AddUpdateMetadata(c.cctx.RegisteredBrokerIDs(), c.cctx.AllPartitions())
	c.batcher.Send(c.cctx.Epoch)

	if err := c.startupStateMachines(); err != nil {
		c.zlog.Error("state machine startup failed, resigning", zap.Error(err))
		c.resign()
		return
	}

	c.resumeReassignments()
	c.deletion.resume()
}

// rebuildContext loads the cluster view from the metadata store
func (c *Controller) rebuildContext() error {
	c.cctx.SetLiveBrokers(c.store.LiveBrokers())

	for _, topic := range c.store.Topics() {
		id, _ := c.store.TopicID(topic)
		c.cctx.AddTopic(topic, id)

		assignment, ok := c.store.Assignment(topic)
		if !ok {
			continue
		}
		for partition, a := range assignment {
			tp := types.TopicPartition{Topic: topic, Partition: partition}
			c.cctx.SetAssignment(tp, a)
			if a.IsBeingReassigned() {
				c.cctx.MarkReassigning(tp)
			}
			if info, ok := c.store.LeaderAndISR(tp); ok {
				c.cctx.SetLeaderInfo(tp, info)
			}
		}
	}
	for _, topic := range c.store.TopicsQueuedForDeletion() {
		c.cctx.QueueTopicForDeletion(topic)
	}
	return nil
}

// registerWatches subscribes to the metadata store's notification surface.
// Every callback only enqueues an event; mutation happens on the loop.
func (c *Controller) registerWatches() {
	c.watches = append(c.watches,
		c.store.WatchBrokers(func() { c.enqueue(&event{kind: evBrokerChange}) }),
		c.store.WatchTopics(func() { c.enqueue(&event{kind: evTopicChange}) }),
		c.store.WatchTopicDeletions(func() { c.enqueue(&event{kind: evTopicDeletion}) }),
		c.store.WatchReassignments(func() { c.enqueue(&event{kind: evReassignmentTrigger}) }),
		c.store.WatchPreferredElections(func() { c.enqueue(&event{kind: evPreferredElectionTrigger}) }),
		c.store.WatchLogDirFailures(func(id types.BrokerID) {
			c.enqueue(&event{kind: evLogDirFailure, brokerID: id})
		}),
	)
}

// startupStateMachines derives partition and replica states from the
// rebuilt context and elects leaders for offline partitions
func (c *Controller) startupStateMachines() error {
	var offline []types.TopicPartition
	for _, tp := range c.cctx.AllPartitions() {
		assignment, _ := c.cctx.Assignment(tp)
		info, hasLeader := c.cctx.LeaderInfo(tp)

		for _, r := range assignment.Replicas {
			pr := PartitionReplica{TopicPartition: tp, Replica: r}
			if c.cctx.IsRegistered(r) {
				c.cctx.SetReplicaState(pr, ReplicaOnline)
			} else {
				c.cctx.SetReplicaState(pr, ReplicaOffline)
			}
		}

		switch {
		case !hasLeader:
			c.cctx.SetPartitionState(tp, PartitionNew)
			offline = append(offline, tp)
		case info.Leader != types.NoLeader && c.cctx.IsLive(info.Leader):
			c.cctx.SetPartitionState(tp, PartitionOnline)
		default:
			c.cctx.SetPartitionState(tp, PartitionOffline)
			offline = append(offline, tp)
		}
	}

	if len(offline) > 0 {
		if err := c.electForPartitions(offline); err != nil {
			return err
		}
	}
	return nil
}

// electForPartitions brings New and Offline partitions Online
func (c *Controller) electForPartitions(partitions []types.TopicPartition) error {
	failed, fatal := c.psm.HandleStateChanges(partitions, PartitionOnline, ElectOffline)
	if fatal != nil {
		return fatal
	}
	for tp, err := range failed {
		c.zlog.Warn("partition election failed",
			zap.String("partition", tp.String()), zap.Error(err))
		c.cctx.SetPartitionState(tp, PartitionOffline)
	}
	c.batcher.Send(c.cctx.Epoch)
	return nil
}

// resign drops the coordinator role: watches unregistered, state machines
// and context discarded, queued events preempted
func (c *Controller) resign() {
	if !c.IsActive() {
		return
	}
	c.zlog.Info("resigning controller", zap.Int32("epoch", c.cctx.Epoch))
	c.setActive(false, 0)

	// The first watch is the lease watch that drives re-election; keep it
	for _, cancel := range c.watches[1:] {
		cancel()
	}
	c.watches = c.watches[:1]

	_ = c.store.ReleaseLease(c.brokerID)
	c.cctx = nil
	c.psm = nil
	c.rsm = nil
	c.batcher = nil
	c.deletion = nil

	c.drainAndPreempt()
}

// drainAndPreempt empties the queue, answering NotController to waiters
func (c *Controller) drainAndPreempt() {
	for {
		select {
		case e := <-c.events:
			e.preempt()
		default:
			return
		}
	}
}

// --- event handlers ---

// onBrokerChange reconciles the context against the registered broker set:
// dead brokers take their replicas offline and force elections; new brokers
// get a full metadata push and their replicas back online
func (c *Controller) onBrokerChange() error {
	previous := make(map[types.BrokerID]bool)
	for id := range c.cctx.liveBrokers {
		previous[id] = true
	}
	current := c.store.LiveBrokers()
	currentSet := make(map[types.BrokerID]bool, len(current))
	for _, reg := range current {
		currentSet[reg.ID] = true
	}
	c.cctx.SetLiveBrokers(current)

	var added, dead []types.BrokerID
	for _, reg := range current {
		if !previous[reg.ID] {
			added = append(added, reg.ID)
		}
	}
	for id := range previous {
		if !currentSet[id] {
			dead = append(dead, id)
		}
	}
	if len(added) == 0 && len(dead) == 0 {
		return nil
	}
	c.zlog.Info("broker change", zap.Int32s("added", brokerInts(added)), zap.Int32s("dead", brokerInts(dead)))

	for _, id := range dead {
		c.cctx.ClearShuttingDown(id)

		// Snapshot led partitions before the replica machine clears their
		// leader field
		toElect := c.cctx.PartitionsLedBy(id)

		var offlineReplicas []PartitionReplica
		for _, tp := range c.cctx.PartitionsOnBroker(id) {
			offlineReplicas = append(offlineReplicas, PartitionReplica{TopicPartition: tp, Replica: id})
		}
		if err := c.rsm.HandleStateChanges(offlineReplicas, ReplicaOffline); err != nil {
			return err
		}

		if len(toElect) > 0 {
			if _, err := c.psm.HandleStateChanges(toElect, PartitionOffline, ElectOffline); err != nil {
				return err
			}
			if err := c.electForPartitions(toElect); err != nil {
				return err
			}
		}
	}

	if len(added) > 0 {
		c.batcher.AddUpdateMetadata(added, c.cctx.AllPartitions())

		var onlineReplicas []PartitionReplica
		for _, id := range added {
			for _, tp := range c.cctx.PartitionsOnBroker(id) {
				pr := PartitionReplica{TopicPartition: tp, Replica: id}
				if s := c.cctx.ReplicaStateOf(pr); s == ReplicaOffline || s == ReplicaDeletionIneligible {
					onlineReplicas = append(onlineReplicas, pr)
				}
				// Re-push current leadership so the returning broker
				// restarts its replica
				if info, ok := c.cctx.LeaderInfo(tp); ok {
					assignment, _ := c.cctx.Assignment(tp)
					c.batcher.AddLeaderAndISR([]types.BrokerID{id},
						c.psm.leaderAndISRState(tp, info, assignment, false))
				}
			}
		}
		if err := c.rsm.HandleStateChanges(onlineReplicas, ReplicaOnline); err != nil {
			return err
		}

		// Offline partitions may be electable again
		var toElect []types.TopicPartition
		for _, tp := range c.cctx.AllPartitions() {
			if c.cctx.PartitionStateOf(tp) == PartitionOffline {
				toElect = append(toElect, tp)
			}
		}
		if len(toElect) > 0 {
			if err := c.electForPartitions(toElect); err != nil {
				return err
			}
		}
	}

	c.batcher.Send(c.cctx.Epoch)
	c.deletion.resume()
	return nil
}

// onTopicChange picks up topics created in the metadata store
func (c *Controller) onTopicChange() error {
	for _, topic := range c.store.Topics() {
		if c.cctx.HasTopic(topic) {
			continue
		}
		id, _ := c.store.TopicID(topic)
		assignment, ok := c.store.Assignment(topic)
		if !ok {
			continue
		}
		c.cctx.AddTopic(topic, id)
		c.zlog.Info("new topic", zap.String("topic", topic), zap.Int("partitions", len(assignment)))

		var newPartitions []types.TopicPartition
		var newReplicas []PartitionReplica
		for partition, a := range assignment {
			tp := types.TopicPartition{Topic: topic, Partition: partition}
			c.cctx.SetAssignment(tp, a)
			newPartitions = append(newPartitions, tp)
			for _, r := range a.Replicas {
				newReplicas = append(newReplicas, PartitionReplica{TopicPartition: tp, Replica: r})
			}
		}

		if err := c.rsm.HandleStateChanges(newReplicas, ReplicaNew); err != nil {
			return err
		}
		if _, err := c.psm.HandleStateChanges(newPartitions, PartitionNew, ElectOffline); err != nil {
			return err
		}
		failed, fatal := c.psm.HandleStateChanges(newPartitions, PartitionOnline, ElectOffline)
		if fatal != nil {
			return fatal
		}
		for tp, err := range failed {
			c.zlog.Warn("new partition election failed",
				zap.String("partition", tp.String()), zap.Error(err))
			c.cctx.SetPartitionState(tp, PartitionOffline)
		}
		if err := c.rsm.HandleStateChanges(newReplicas, ReplicaOnline); err != nil {
			return err
		}
	}
	c.batcher.Send(c.cctx.Epoch)
	return nil
}

// onTopicDeletionTrigger queues topics newly marked for deletion
func (c *Controller) onTopicDeletionTrigger() error {
	if !c.cfg.DeleteTopicEnable {
		return nil
	}
	for _, topic := range c.store.TopicsQueuedForDeletion() {
		if !c.cctx.IsTopicQueuedForDeletion(topic) {
			c.cctx.QueueTopicForDeletion(topic)
		}
	}
	c.deletion.resume()
	return nil
}

// onReassignmentTrigger starts reassignments requested through the store
func (c *Controller) onReassignmentTrigger() error {
	for tp, target := range c.store.PendingReassignments() {
		if err := c.startReassignment(tp, target); err != nil {
			c.zlog.Warn("reassignment start failed",
				zap.String("partition", tp.String()), zap.Error(err))
		}
	}
	c.batcher.Send(c.cctx.Epoch)
	return nil
}

// onPreferredElectionTrigger runs admin-requested preferred elections
func (c *Controller) onPreferredElectionTrigger() {
	partitions := c.store.PendingPreferredElections()
	if len(partitions) == 0 {
		return
	}
	c.handleElectLeaders(partitions, ElectPreferred)
}

// onPreferredRebalanceTick checks per-broker leader imbalance and triggers
// preferred elections for brokers past the configured threshold
func (c *Controller) onPreferredRebalanceTick() {
	if !c.cfg.AutoLeaderRebalanceEnable {
		return
	}

	preferredByBroker := make(map[types.BrokerID][]types.TopicPartition)
	notLedByPreferred := make(map[types.BrokerID][]types.TopicPartition)
	for _, tp := range c.cctx.AllPartitions() {
		assignment, _ := c.cctx.Assignment(tp)
		if len(assignment.Replicas) == 0 || c.cctx.IsReassigning(tp) {
			continue
		}
		preferred := assignment.Replicas[0]
		preferredByBroker[preferred] = append(preferredByBroker[preferred], tp)
		if info, ok := c.cctx.LeaderInfo(tp); ok && info.Leader != preferred {
			notLedByPreferred[preferred] = append(notLedByPreferred[preferred], tp)
		}
	}

	for broker, all := range preferredByBroker {
		misplaced := notLedByPreferred[broker]
		if len(misplaced) == 0 || !c.cctx.IsLive(broker) {
			continue
		}
		ratio := float64(len(misplaced)) / float64(len(all)) * 100
		if ratio > float64(c.cfg.LeaderImbalancePerBrokerPercentage) {
			c.zlog.Info("leader imbalance past threshold",
				zap.Int32("broker", int32(broker)),
				zap.Float64("ratio", ratio))
			c.handleElectLeaders(misplaced, ElectPreferred)
		}
	}
}

// onUncleanElectionToggle retries offline partitions once unclean election
// is enabled
func (c *Controller) onUncleanElectionToggle() error {
	var offline []types.TopicPartition
	for _, tp := range c.cctx.AllPartitions() {
		if c.cctx.PartitionStateOf(tp) == PartitionOffline {
			offline = append(offline, tp)
		}
	}
	if len(offline) == 0 {
		return nil
	}
	return c.electForPartitions(offline)
}

// onLogDirFailure probes the broker with its current leadership state;
// partitions answering with a storage error have lost their replica there
func (c *Controller) onLogDirFailure(brokerID types.BrokerID) error {
	probe := &protocol.LeaderAndISRRequest{
		ControllerID:    c.brokerID,
		ControllerEpoch: c.cctx.Epoch,
	}
	for _, tp := range c.cctx.PartitionsOnBroker(brokerID) {
		info, ok := c.cctx.LeaderInfo(tp)
		if !ok {
			continue
		}
		assignment, _ := c.cctx.Assignment(tp)
		topicID, _ := c.cctx.TopicID(tp.Topic)
		probe.Partitions = append(probe.Partitions, protocol.LeaderAndISRPartitionState{
			TopicPartition: tp,
			TopicID:        topicID,
			Leader:         info.Leader,
			LeaderEpoch:    info.LeaderEpoch,
			ISR:            info.ISR,
			PartitionEpoch: info.PartitionEpoch,
			Replicas:       assignment.Replicas,
			Adding:         assignment.Adding,
			Removing:       assignment.Removing,
		})
	}
	if len(probe.Partitions) == 0 {
		return nil
	}

	resp, err := c.sender.SendLeaderAndISR(brokerID, probe)
	if err != nil {
		c.zlog.Warn("log dir failure probe failed",
			zap.Int32("broker", int32(brokerID)), zap.Error(err))
		return nil
	}

	var offlineReplicas []PartitionReplica
	var toElect []types.TopicPartition
	for tp, kind := range resp.Partitions {
		if kind != errors.StorageError {
			continue
		}
		offlineReplicas = append(offlineReplicas, PartitionReplica{TopicPartition: tp, Replica: brokerID})
		if info, ok := c.cctx.LeaderInfo(tp); ok && info.Leader == brokerID {
			toElect = append(toElect, tp)
		}
	}
	if len(offlineReplicas) == 0 {
		return nil
	}
	c.zlog.Info("replicas lost to directory failure",
		zap.Int32("broker", int32(brokerID)),
		zap.Int("partitions", len(offlineReplicas)))

	if err := c.rsm.HandleStateChanges(offlineReplicas, ReplicaOffline); err != nil {
		return err
	}
	if len(toElect) > 0 {
		if _, err := c.psm.HandleStateChanges(toElect, PartitionOffline, ElectOffline); err != nil {
			return err
		}
		if err := c.electForPartitions(toElect); err != nil {
			return err
		}
	}
	c.batcher.Send(c.cctx.Epoch)
	c.deletion.markTopicsIneligibleFor(offlineReplicas)
	return nil
}

// handleElectLeaders runs an election strategy over partitions and returns
// per-partition outcomes
func (c *Controller) handleElectLeaders(partitions []types.TopicPartition, strategy ElectionStrategy) map[types.TopicPartition]errors.Kind {
	results := make(map[types.TopicPartition]errors.Kind, len(partitions))

	var eligible []types.TopicPartition
	for _, tp := range partitions {
		if c.cctx.PartitionStateOf(tp) == PartitionNonExistent {
			results[tp] = errors.UnknownTopicOrPartition
			continue
		}
		eligible = append(eligible, tp)
	}

	failed, fatal := c.psm.HandleStateChanges(eligible, PartitionOnline, strategy)
	if fatal != nil {
		c.zlog.Error("illegal state transition in election, resigning", zap.Error(fatal))
		c.resign()
		for _, tp := range partitions {
			results[tp] = errors.NotController
		}
		return results
	}
	for _, tp := range eligible {
		if err, ok := failed[tp]; ok {
			results[tp] = errors.KindOf(err)
		} else {
			results[tp] = errors.None
		}
	}
	c.batcher.Send(c.cctx.Epoch)
	return results
}

// handleAlterPartition validates and commits a leader's ISR proposal
func (c *Controller) handleAlterPartition(req *protocol.AlterPartitionRequest) *protocol.AlterPartitionResponse {
	resp := &protocol.AlterPartitionResponse{
		Partitions: make(map[types.TopicPartition]protocol.AlterPartitionPartitionResponse),
	}

	for _, item := range req.Partitions {
		resp.Partitions[item.TopicPartition] = c.alterOnePartition(item)
	}
	c.batcher.Send(c.cctx.Epoch)
	return resp
}

func (c *Controller) alterOnePartition(item protocol.AlterPartitionItem) protocol.AlterPartitionPartitionResponse {
	tp := item.TopicPartition
	current, ok := c.cctx.LeaderInfo(tp)
	if !ok {
		return protocol.AlterPartitionPartitionResponse{Error: errors.UnknownTopicOrPartition}
	}

	switch {
	case item.LeaderEpoch > current.LeaderEpoch || item.PartitionEpoch > current.PartitionEpoch:
		// The broker knows newer state than we do: the controller moved
		return protocol.AlterPartitionPartitionResponse{Error: errors.NotController}
	case item.LeaderEpoch < current.LeaderEpoch:
		return protocol.AlterPartitionPartitionResponse{Error: errors.FencedLeaderEpoch}
	case item.PartitionEpoch < current.PartitionEpoch:
		return protocol.AlterPartitionPartitionResponse{
			Error:        errors.InvalidUpdateVersion,
			LeaderAndISR: current,
		}
	case item.RecoveryState == types.LeaderRecovering && len(item.NewISR) > 1:
		return protocol.AlterPartitionPartitionResponse{Error: errors.InvalidRequest}
	}

	for _, r := range item.NewISR {
		if !c.cctx.IsRegistered(r) {
			return protocol.AlterPartitionPartitionResponse{Error: errors.IneligibleReplica}
		}
	}

	next := current.WithISR(item.NewISR)
	next.RecoveryState = item.RecoveryState
	committed, err := c.store.UpdateLeaderAndISR(context.Background(), c.cctx.Epoch, tp, item.PartitionEpoch, next)
	if err != nil {
		if err == metastore.ErrVersionConflict {
			latest, _ := c.cctx.LeaderInfo(tp)
			return protocol.AlterPartitionPartitionResponse{
				Error:        errors.InvalidUpdateVersion,
				LeaderAndISR: latest,
			}
		}
		return protocol.AlterPartitionPartitionResponse{Error: errors.KindOf(err)}
	}

	c.cctx.SetLeaderInfo(tp, committed)
	c.batcher.AddUpdateMetadata(c.cctx.LiveBrokerIDs(), []types.TopicPartition{tp})

	// A caught-up target set can now finish its reassignment
	if c.cctx.IsReassigning(tp) {
		if err := c.maybeCompleteReassignment(tp); err != nil {
			c.zlog.Warn("reassignment completion failed",
				zap.String("partition", tp.String()), zap.Error(err))
		}
	}
	return protocol.AlterPartitionPartitionResponse{LeaderAndISR: committed}
}

// handleControlledShutdown moves leadership off the broker and stops its
// follower replicas; partitions it still leads are reported back
func (c *Controller) handleControlledShutdown(brokerID types.BrokerID) *protocol.ControlledShutdownResponse {
	c.zlog.Info("controlled shutdown requested", zap.Int32("broker", int32(brokerID)))
	c.cctx.MarkShuttingDown(brokerID)

	var toMove, remaining []types.TopicPartition
	for _, tp := range c.cctx.PartitionsLedBy(brokerID) {
		info, _ := c.cctx.LeaderInfo(tp)
		if len(info.ISR) > 1 {
			toMove = append(toMove, tp)
		} else {
			// Moving the last in-sync replica would make the partition
			// unavailable
			remaining = append(remaining, tp)
		}
	}

	failed, fatal := c.psm.HandleStateChanges(toMove, PartitionOnline, ElectControlledShutdown)
	if fatal != nil {
		c.zlog.Error("illegal transition in controlled shutdown, resigning", zap.Error(fatal))
		c.resign()
		return &protocol.ControlledShutdownResponse{Error: errors.NotController}
	}
	for tp := range failed {
		remaining = append(remaining, tp)
	}

	// Stop the broker's follower fetchers for partitions it does not lead
	for _, tp := range c.cctx.PartitionsOnBroker(brokerID) {
		if info, ok := c.cctx.LeaderInfo(tp); ok && info.Leader != brokerID {
			c.batcher.AddStopReplica([]types.BrokerID{brokerID}, tp, types.NoEpoch, false)
		}
	}
	c.batcher.Send(c.cctx.Epoch)

	return &protocol.ControlledShutdownResponse{PartitionsRemaining: remaining}
}

// rebalanceTickLoop enqueues the periodic preferred-leader imbalance check
func (c *Controller) rebalanceTickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LeaderImbalanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.IsActive() {
				c.enqueue(&event{kind: evPreferredRebalanceTick})
			}
		}
	}
}
