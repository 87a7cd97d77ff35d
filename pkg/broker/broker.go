// Package broker composes the per-node subsystems: the log manager, the
// replica manager, the controller, and their wiring to the metadata store.
package broker

import (
	"context"
	"time"

	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/controller"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/metrics"
	"github.com/gstreamio/corelog/pkg/replication"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// Broker hosts one node's replica manager and controller. A broker is
// concurrently a leader for some partitions, a follower for others, and
// possibly the cluster coordinator; each role is an independent component
// connected here.
type Broker struct {
	cfg   *config.Config
	store metastore.Store
	net   *Network

	logMgr     *storage.Manager
	replicas   *replication.Manager
	controller *controller.Controller
	metrics    *metrics.Metrics

	brokerEpoch int64

	zlog *zap.Logger
}

// New wires a broker against the metadata store and the broker network
func New(cfg *config.Config, store metastore.Store, net *Network) *Broker {
	b := &Broker{
		cfg:   cfg,
		store: store,
		net:   net,
		zlog:  logger.Named("broker").With(zap.Int32("broker", int32(cfg.BrokerID))),
	}

	b.logMgr = storage.NewManager(cfg.LogDirs)

	alter := alterRouter{net: net, find: store.Controller}
	notifier := func(id types.BrokerID) {
		if err := store.NotifyLogDirFailure(context.Background(), id); err != nil {
			b.zlog.Warn("log dir failure notification failed", zap.Error(err))
		}
	}
	b.replicas = replication.NewManager(cfg, b.logMgr, alter, net.endpointProvider(), notifier)
	b.controller = controller.New(cfg, store, controlSender{net: net})

	b.metrics = metrics.New(int32(cfg.BrokerID), metrics.Gauges{
		PartitionCount:        func() float64 { return float64(b.replicas.OnlinePartitionCount()) },
		LeaderCount:           func() float64 { return float64(b.replicas.LeaderCount()) },
		OfflinePartitionCount: func() float64 { return float64(b.replicas.OfflinePartitionCount()) },
		ProducePurgatorySize:  func() float64 { return float64(b.replicas.ProducePurgatorySize()) },
		FetchPurgatorySize:    func() float64 { return float64(b.replicas.FetchPurgatorySize()) },
	})
	b.replicas.SetMetrics(b.metrics)

	return b
}

// ID returns this broker's id
func (b *Broker) ID() types.BrokerID {
	return types.BrokerID(b.cfg.BrokerID)
}

// BrokerEpoch returns the epoch assigned at registration
func (b *Broker) BrokerEpoch() int64 {
	return b.brokerEpoch
}

// Replicas exposes the replica manager
func (b *Broker) Replicas() *replication.Manager {
	return b.replicas
}

// Controller exposes this node's controller
func (b *Broker) Controller() *controller.Controller {
	return b.controller
}

// Metrics exposes the metrics registry
func (b *Broker) Metrics() *metrics.Metrics {
	return b.metrics
}

// Start registers the broker, starts the replica manager, and joins the
// controller election
func (b *Broker) Start() error {
	b.net.register(b)

	epoch, err := b.store.RegisterBroker(context.Background(), metastore.BrokerRegistration{
		ID:   types.BrokerID(b.cfg.BrokerID),
		Host: "localhost",
		Port: 0,
	})
	if err != nil {
		return err
	}
	b.brokerEpoch = epoch

	if err := b.replicas.Start(); err != nil {
		return err
	}
	if err := b.controller.Start(); err != nil {
		return err
	}

	b.zlog.Info("broker started", zap.Int64("brokerEpoch", epoch))
	return nil
}

// Stop performs a controlled shutdown: leadership is moved away first,
// bounded by the configured retries, then the components stop
func (b *Broker) Stop() {
	b.controlledShutdown()

	if err := b.store.UnregisterBroker(types.BrokerID(b.cfg.BrokerID)); err != nil {
		b.zlog.Warn("deregistration failed", zap.Error(err))
	}
	b.net.unregister(types.BrokerID(b.cfg.BrokerID))

	b.controller.Stop()
	b.replicas.Stop()
	b.logMgr.Close()
	b.zlog.Info("broker stopped")
}

// controlledShutdown asks the active controller to move leadership away,
// retrying while partitions remain, and reports whatever is left
func (b *Broker) controlledShutdown() {
	for attempt := 0; attempt <= b.cfg.ControlledShutdownMaxRetries; attempt++ {
		id, ok := b.store.Controller()
		if !ok {
			b.zlog.Warn("no controller for controlled shutdown")
			return
		}
		peer, ok := b.net.Lookup(id)
		if !ok {
			b.zlog.Warn("controller unreachable for controlled shutdown",
				zap.Int32("controller", int32(id)))
			return
		}

		resp := peer.Controller().ControlledShutdown(types.BrokerID(b.cfg.BrokerID))
		if resp.Error == errors.None && len(resp.PartitionsRemaining) == 0 {
			return
		}
		b.zlog.Info("controlled shutdown incomplete",
			zap.Int("remaining", len(resp.PartitionsRemaining)),
			zap.Int("attempt", attempt))

		if attempt < b.cfg.ControlledShutdownMaxRetries {
			time.Sleep(b.cfg.ControlledShutdownRetryBackoff)
		} else {
			remaining := make([]string, 0, len(resp.PartitionsRemaining))
			for _, tp := range resp.PartitionsRemaining {
				remaining = append(remaining, tp.String())
			}
			b.zlog.Warn("shutting down with unmoved leadership",
				zap.Strings("partitions", remaining))
		}
	}
}
