package seedlist

import "github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"

// Command is the member-delta vocabulary the FSM consumes once it has an
// initial view of the cluster.
type Command interface {
	addr() string
}

// MemberAdded reports that addr has joined the cluster and should have a
// seed entry.
type MemberAdded struct{ Addr string }

// MemberRemoved reports that addr has left the cluster and its seed entry
// (if any) should be removed.
type MemberRemoved struct{ Addr string }

func (m MemberAdded) addr() string   { return m.Addr }
func (m MemberRemoved) addr() string { return m.Addr }

// InitialState seeds the FSM with the current cluster-membership snapshot.
// It must be the first message sent, and is only accepted once.
type InitialState struct {
	Members map[string]struct{}
}

// registeredSeedsReply carries the result of the recursive get(seedsPath)
// issued on entering awaitingRegisteredSeeds.
type registeredSeedsReply struct {
	resp *storeclient.Response
	err  error
}

// etcdReply carries the result of the create/delete issued for
// pendingCommand while in awaitingEtcdReply.
type etcdReply struct {
	resp *storeclient.Response
	err  error
}

// Snapshot is a point-in-time, race-free view of the FSM's internal state,
// returned by Inspect. Used by tests and diagnostics.
type Snapshot struct {
	State          State
	CurrentSeeds   map[string]struct{}
	AddressMapping map[string]string
}

type snapshotQuery struct {
	reply chan Snapshot
}
