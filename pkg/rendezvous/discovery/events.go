package discovery

import (
	"context"
	"time"

	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

// Membership is the collaborator the Discovery FSM drives to join the
// cluster once it knows the current seed list, and to learn its own
// advertised address and the cluster's current members.
type Membership interface {
	// SelfAddress returns this node's advertised gossip address.
	SelfAddress() string

	// Members returns the currently known cluster members, used to seed a
	// freshly created Seed-list FSM upon winning the election.
	Members() []string

	// Join attempts to join the cluster through seeds, blocking until
	// successful or ctx is done.
	Join(ctx context.Context, seeds []string) error

	// SetLeader announces (or retracts) this node's leadership to the rest
	// of the cluster, so that followers' LeaderChanged hints stay
	// accurate. Called once on entering Leader and once on stepping down.
	SetLeader(isLeader bool) error
}

// MemberUp reports that addr has joined the cluster, as observed by the
// membership layer.
type MemberUp struct{ Addr string }

// MemberRemoved reports that addr has left the cluster.
type MemberRemoved struct{ Addr string }

// LeaderChanged reports the membership layer's current best guess at who
// holds leadership, or nil if it believes no one does.
type LeaderChanged struct{ Addr *string }

// Start signals the FSM to begin the discovery protocol. It must be the
// first message sent.
type Start struct{}

type createDirReply struct{ err error }

type electionBidMsg struct{}

type electionReply struct{ err error }

type fetchSeedsMsg struct{}

type seedsReply struct {
	resp *storeclient.Response
	err  error
}

type joinResultMsg struct{ err error }

type refreshMsg struct{}

type refreshReply struct{ err error }

// Snapshot is a point-in-time, race-free view of the FSM's state. Used by
// tests and diagnostics.
type Snapshot struct {
	State State
}

type snapshotQuery struct {
	reply chan Snapshot
}

// retryDelay returns how long to wait before redelivering msg to self after
// a transient failure, depending on which phase produced it.
func retryDelay(cfg Config, msg interface{}) time.Duration {
	if _, ok := msg.(electionBidMsg); ok {
		return cfg.ElectionRetryDelay
	}
	return cfg.EtcdRetryDelay
}
