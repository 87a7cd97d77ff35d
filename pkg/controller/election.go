package controller

import (
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/types"
)

// ElectionStrategy selects a new leader for a partition moving Online.
// Each strategy consumes the current assignment, ISR and liveness view and
// returns the new leader with the ISR it should start from.
type ElectionStrategy int8

const (
	// ElectOffline elects a leader for a partition whose leader died
	ElectOffline ElectionStrategy = iota
	// ElectReassign elects a leader from the reassignment target set
	ElectReassign
	// ElectPreferred moves leadership to the preferred (first) replica
	ElectPreferred
	// ElectControlledShutdown moves leadership off a shutting-down broker
	ElectControlledShutdown
)

// String returns the strategy name
func (s ElectionStrategy) String() string {
	switch s {
	case ElectOffline:
		return "OfflinePartitionLeaderElection"
	case ElectReassign:
		return "ReassignPartitionLeaderElection"
	case ElectPreferred:
		return "PreferredReplicaPartitionLeaderElection"
	case ElectControlledShutdown:
		return "ControlledShutdownPartitionLeaderElection"
	default:
		return "Unknown"
	}
}

// electionResult is the outcome of a leader election
type electionResult struct {
	leader types.BrokerID
	isr    []types.BrokerID
	// uncleanly is set when the leader was chosen from outside the ISR
	uncleanly bool
}

// allowUnclean reports whether unclean election applies to this strategy.
// Only the offline-partition path may lose committed records, and only when
// explicitly enabled.
func (s ElectionStrategy) allowUnclean(uncleanEnabled bool) bool {
	return s == ElectOffline && uncleanEnabled
}

// elect runs the strategy over the current partition state. live reports
// broker liveness, shuttingDown controlled-shutdown membership.
func (s ElectionStrategy) elect(assignment types.ReplicaAssignment, current types.LeaderAndISR,
	live func(types.BrokerID) bool, shuttingDown func(types.BrokerID) bool, uncleanEnabled bool) (electionResult, error) {

	switch s {
	case ElectOffline:
		return electOffline(assignment.Replicas, current.ISR, live, s.allowUnclean(uncleanEnabled))
	case ElectReassign:
		return electFromSet(assignment.Target(), current.ISR, live)
	case ElectPreferred:
		return electPreferred(assignment.Replicas, current, live)
	case ElectControlledShutdown:
		return electControlledShutdown(assignment.Replicas, current.ISR, live, shuttingDown)
	default:
		return electionResult{}, errors.Newf(errors.UnknownServerError, "elect", "unknown strategy %d", s)
	}
}

// electOffline picks the first assigned replica that is live and in the
// ISR. With unclean election enabled a live replica outside the ISR is
// accepted once no in-sync candidate exists.
func electOffline(assigned, isr []types.BrokerID, live func(types.BrokerID) bool, unclean bool) (electionResult, error) {
	for _, r := range assigned {
		if live(r) && containsBroker(isr, r) {
			return electionResult{leader: r, isr: intersectLive(isr, live)}, nil
		}
	}
	if unclean {
		for _, r := range assigned {
			if live(r) {
				// Data past this replica's end offset is lost; the ISR
				// restarts from the new leader alone
				return electionResult{leader: r, isr: []types.BrokerID{r}, uncleanly: true}, nil
			}
		}
	}
	return electionResult{}, errors.Newf(errors.EligibleLeadersNotAvailable, "electOffline",
		"no live in-sync replica among %v", assigned)
}

// electFromSet picks the first live in-sync replica from the candidate set
func electFromSet(candidates, isr []types.BrokerID, live func(types.BrokerID) bool) (electionResult, error) {
	for _, r := range candidates {
		if live(r) && containsBroker(isr, r) {
			return electionResult{leader: r, isr: isr}, nil
		}
	}
	return electionResult{}, errors.Newf(errors.EligibleLeadersNotAvailable, "electFromSet",
		"no live in-sync replica among %v", candidates)
}

// electPreferred moves leadership to the first assigned replica; it must be
// live and in sync, and must not already lead
func electPreferred(assigned []types.BrokerID, current types.LeaderAndISR, live func(types.BrokerID) bool) (electionResult, error) {
	if len(assigned) == 0 {
		return electionResult{}, errors.New(errors.EligibleLeadersNotAvailable, "electPreferred")
	}
	preferred := assigned[0]
	if current.Leader == preferred {
		return electionResult{}, errors.Newf(errors.ElectionNotNeeded, "electPreferred",
			"replica %d already leads", preferred)
	}
	if !live(preferred) || !containsBroker(current.ISR, preferred) {
		return electionResult{}, errors.Newf(errors.PreferredLeaderNotAvailable, "electPreferred",
			"replica %d is not a live in-sync replica", preferred)
	}
	return electionResult{leader: preferred, isr: current.ISR}, nil
}

// electControlledShutdown picks a live in-sync replica outside the
// shutting-down set and shrinks the ISR accordingly
func electControlledShutdown(assigned, isr []types.BrokerID, live func(types.BrokerID) bool, shuttingDown func(types.BrokerID) bool) (electionResult, error) {
	var newLeader types.BrokerID = types.NoLeader
	for _, r := range assigned {
		if live(r) && !shuttingDown(r) && containsBroker(isr, r) {
			newLeader = r
			break
		}
	}
	if newLeader == types.NoLeader {
		return electionResult{}, errors.Newf(errors.EligibleLeadersNotAvailable, "electControlledShutdown",
			"no live in-sync replica outside the shutting-down set among %v", assigned)
	}
	newISR := make([]types.BrokerID, 0, len(isr))
	for _, r := range isr {
		if !shuttingDown(r) {
			newISR = append(newISR, r)
		}
	}
	return electionResult{leader: newLeader, isr: newISR}, nil
}

func brokerInts(ids []types.BrokerID) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func containsBroker(ids []types.BrokerID, id types.BrokerID) bool {
	for _, r := range ids {
		if r == id {
			return true
		}
	}
	return false
}

func intersectLive(isr []types.BrokerID, live func(types.BrokerID) bool) []types.BrokerID {
	out := make([]types.BrokerID, 0, len(isr))
	for _, r := range isr {
		if live(r) {
			out = append(out, r)
		}
	}
	return out
}
