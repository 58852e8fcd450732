// Package seedlist implements the leader-owned state machine that mirrors
// cluster membership into the seed list persisted in the rendezvous store.
// See the Discovery FSM in package discovery for the state machine that
// owns a seedlist.FSM's lifecycle.
package seedlist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/criticalstack/rendezvous/pkg/log"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

// maxStashSize bounds the event-stashing buffer. Cluster churn is expected
// to be low; a buffer this deep means the store has been unreachable for
// an unreasonable length of time, and continuing to grow it unboundedly
// would risk exhausting memory rather than surfacing the outage.
const maxStashSize = 10000

// Config configures a Seed-list FSM.
type Config struct {
	// SeedsPath is the directory key under which seed entries live.
	SeedsPath string

	// EtcdRetryDelay is the back-off between retries of a failed store
	// operation.
	EtcdRetryDelay time.Duration
}

// FSM is the Seed-list state machine. It must be constructed with New,
// started with Start, and is safe to use from any goroutine via Send;
// its internal state is only ever touched by its own run loop.
type FSM struct {
	cfg   Config
	store storeclient.Store

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mailbox chan interface{}
	queue   []interface{}
	stash   []interface{}

	state          State
	currentSeeds   map[string]struct{}
	addressMapping map[string]string
	pendingCommand Command
}

// New creates a Seed-list FSM in AwaitingInitialState. Call Start to begin
// processing; the caller must deliver an InitialState via Send before any
// MemberAdded/MemberRemoved command.
func New(parent context.Context, store storeclient.Store, cfg Config) *FSM {
	ctx, cancel := context.WithCancel(parent)
	return &FSM{
		cfg:            cfg,
		store:          store,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		mailbox:        make(chan interface{}, 256),
		addressMapping: make(map[string]string),
	}
}

// Start runs the FSM's event loop in its own goroutine.
func (f *FSM) Start() {
	go f.run()
}

// Stop terminates the FSM. Any in-flight store reply arriving afterwards
// is discarded. Stop does not block until the run loop has exited; use
// Done for that.
func (f *FSM) Stop() {
	f.cancel()
}

// Done returns a channel that is closed once the run loop has exited.
func (f *FSM) Done() <-chan struct{} {
	return f.done
}

// Send delivers msg (InitialState, MemberAdded, or MemberRemoved) to the
// FSM. It never blocks past FSM termination.
func (f *FSM) Send(msg interface{}) {
	select {
	case f.mailbox <- msg:
	case <-f.ctx.Done():
	}
}

// Inspect returns a snapshot of the FSM's current state and data. It is
// safe to call concurrently; the snapshot is produced by the FSM's own
// goroutine so it never races with a state transition.
func (f *FSM) Inspect() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case f.mailbox <- snapshotQuery{reply: reply}:
	case <-f.ctx.Done():
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-f.ctx.Done():
		return Snapshot{}
	}
}

func (f *FSM) run() {
	defer close(f.done)
	for {
		msg, ok := f.next()
		if !ok {
			return
		}
		f.handle(msg)
	}
}

// next pops the next message to process: queued (self-emitted or unstashed)
// messages take priority over the external mailbox so that reconciliation
// deltas are fully drained before any newer arrival is considered.
func (f *FSM) next() (interface{}, bool) {
	if len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		return msg, true
	}
	select {
	case <-f.ctx.Done():
		return nil, false
	case msg := <-f.mailbox:
		return msg, true
	}
}

func (f *FSM) emit(msg interface{}) {
	f.queue = append(f.queue, msg)
}

func (f *FSM) stashMsg(msg interface{}) {
	if len(f.stash) >= maxStashSize {
		log.Error("seedlist: stash buffer exceeded capacity, terminating",
			zap.Int("capacity", maxStashSize),
		)
		f.cancel()
		return
	}
	f.stash = append(f.stash, msg)
}

func (f *FSM) unstash() {
	if len(f.stash) == 0 {
		return
	}
	f.queue = append(f.stash, f.queue...)
	f.stash = nil
}

// scheduleRetry self-delivers msg after the configured retry delay. It is
// harmless if the FSM has terminated by the time the timer fires: Send
// silently drops the message once f.ctx is done.
func (f *FSM) scheduleRetry(msg interface{}) {
	time.AfterFunc(f.cfg.EtcdRetryDelay, func() {
		f.Send(msg)
	})
}

func (f *FSM) handle(msg interface{}) {
	if q, ok := msg.(snapshotQuery); ok {
		f.handleSnapshotQuery(q)
		return
	}

	switch f.state {
	case AwaitingInitialState:
		f.handleAwaitingInitialState(msg)
	case AwaitingRegisteredSeeds:
		f.handleAwaitingRegisteredSeeds(msg)
	case AwaitingCommand:
		f.handleAwaitingCommand(msg)
	case AwaitingEtcdReply:
		f.handleAwaitingEtcdReply(msg)
	}
}

func (f *FSM) handleSnapshotQuery(q snapshotQuery) {
	seeds := make(map[string]struct{}, len(f.currentSeeds))
	for k := range f.currentSeeds {
		seeds[k] = struct{}{}
	}
	mapping := make(map[string]string, len(f.addressMapping))
	for k, v := range f.addressMapping {
		mapping[k] = v
	}
	q.reply <- Snapshot{State: f.state, CurrentSeeds: seeds, AddressMapping: mapping}
}

func (f *FSM) handleAwaitingInitialState(msg interface{}) {
	switch m := msg.(type) {
	case InitialState:
		f.currentSeeds = make(map[string]struct{}, len(m.Members))
		for addr := range m.Members {
			f.currentSeeds[addr] = struct{}{}
		}
		f.fetchRegisteredSeeds()
		f.state = AwaitingRegisteredSeeds
	case Command:
		f.stashMsg(m)
	default:
		log.Debug("seedlist: ignored message in AwaitingInitialState")
	}
}

func (f *FSM) fetchRegisteredSeeds() {
	go func() {
		resp, err := f.store.Get(f.ctx, f.cfg.SeedsPath, true)
		f.Send(registeredSeedsReply{resp: resp, err: err})
	}()
}

func (f *FSM) handleAwaitingRegisteredSeeds(msg interface{}) {
	switch m := msg.(type) {
	case registeredSeedsReply:
		f.handleRegisteredSeedsReply(m)
	case Command:
		f.stashMsg(m)
	default:
		log.Debug("seedlist: ignored message in AwaitingRegisteredSeeds")
	}
}

func (f *FSM) handleRegisteredSeedsReply(m registeredSeedsReply) {
	switch {
	case m.err == nil:
		registered := make(map[string]string, len(m.resp.Nodes))
		for _, n := range m.resp.Nodes {
			registered[n.Value] = n.Key
		}
		for addr := range f.currentSeeds {
			if _, ok := registered[addr]; !ok {
				f.emit(MemberAdded{Addr: addr})
			}
		}
		for addr := range registered {
			if _, ok := f.currentSeeds[addr]; !ok {
				f.emit(MemberRemoved{Addr: addr})
			}
		}
		f.addressMapping = registered
		f.state = AwaitingCommand
		f.unstash()
	case storeclient.IsExpected(m.err, storeclient.ErrKeyNotFound):
		for addr := range f.currentSeeds {
			f.emit(MemberAdded{Addr: addr})
		}
		f.addressMapping = make(map[string]string)
		f.state = AwaitingCommand
		f.unstash()
	default:
		log.Warn("seedlist: cannot fetch registered seeds, retrying",
			zap.Error(m.err),
		)
		seeds := f.currentSeeds
		f.scheduleRetry(InitialState{Members: seeds})
		f.state = AwaitingInitialState
	}
}

func (f *FSM) handleAwaitingCommand(msg interface{}) {
	switch m := msg.(type) {
	case MemberAdded:
		f.issueCreate(m)
	case MemberRemoved:
		f.issueDelete(m)
	case InitialState:
		log.Debug("seedlist: ignored redundant InitialState in AwaitingCommand")
	default:
		log.Debug("seedlist: ignored message in AwaitingCommand")
	}
}

func (f *FSM) issueCreate(m MemberAdded) {
	f.pendingCommand = m
	f.state = AwaitingEtcdReply
	go func() {
		resp, err := f.store.Create(f.ctx, f.cfg.SeedsPath, m.Addr)
		f.Send(etcdReply{resp: resp, err: err})
	}()
}

func (f *FSM) issueDelete(m MemberRemoved) {
	key, ok := f.addressMapping[m.Addr]
	if !ok {
		// Nothing to remove: idempotent no-op, stay in AwaitingCommand.
		return
	}
	f.pendingCommand = m
	f.state = AwaitingEtcdReply
	go func() {
		resp, err := f.store.Delete(f.ctx, key, false)
		f.Send(etcdReply{resp: resp, err: err})
	}()
}

func (f *FSM) handleAwaitingEtcdReply(msg interface{}) {
	switch m := msg.(type) {
	case etcdReply:
		f.handleEtcdReply(m)
	case Command:
		f.stashMsg(m)
	default:
		log.Debug("seedlist: ignored message in AwaitingEtcdReply")
	}
}

func (f *FSM) handleEtcdReply(m etcdReply) {
	cmd := f.pendingCommand
	f.pendingCommand = nil

	if m.err != nil {
		log.Warn("seedlist: store mutation failed, retrying",
			zap.Error(m.err),
		)
		f.scheduleRetry(cmd)
		f.state = AwaitingCommand
		f.unstash()
		return
	}

	switch c := cmd.(type) {
	case MemberAdded:
		f.addressMapping[c.Addr] = m.resp.Node.Key
	case MemberRemoved:
		if m.resp.PrevNode != nil {
			delete(f.addressMapping, m.resp.PrevNode.Value)
		} else {
			delete(f.addressMapping, c.Addr)
		}
	}
	f.state = AwaitingCommand
	f.unstash()
}
