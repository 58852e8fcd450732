// Package discovery implements the top-level state machine that turns a
// newly started node into either the cluster's leader (which then owns a
// seedlist.FSM child) or one of its followers. See package seedlist for
// the leader-owned half of the protocol.
package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/criticalstack/rendezvous/pkg/log"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/seedlist"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

// FSM is the Discovery state machine. It must be constructed with New,
// started with Start, and is safe to drive from any goroutine via Send.
type FSM struct {
	cfg        Config
	store      storeclient.Store
	membership Membership

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mailbox chan interface{}
	queue   []interface{}

	state State

	joiningSeeds []string

	seedList     *seedlist.FSM
	leaderCancel context.CancelFunc

	transitions chan State
}

// New creates a Discovery FSM in the Initial state. Call Start to begin
// processing, then Send a Start message. events delivers MemberUp,
// MemberRemoved and LeaderChanged notifications from the membership layer;
// it is forwarded into the FSM's own mailbox for as long as the FSM runs.
func New(parent context.Context, store storeclient.Store, membership Membership, events <-chan interface{}, cfg Config) (*FSM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	f := &FSM{
		cfg:         cfg,
		store:       store,
		membership:  membership,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		mailbox:     make(chan interface{}, 256),
		transitions: make(chan State, 16),
	}
	go f.forwardEvents(events)
	return f, nil
}

func (f *FSM) forwardEvents(events <-chan interface{}) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.Send(ev)
		}
	}
}

// Start runs the FSM's event loop in its own goroutine.
func (f *FSM) Start() {
	go f.run()
}

// Stop terminates the FSM and, if it currently owns one, its child
// Seed-list FSM.
func (f *FSM) Stop() {
	f.cancel()
}

// Done returns a channel that is closed once the run loop has exited.
func (f *FSM) Done() <-chan struct{} {
	return f.done
}

// Send delivers msg to the FSM. It never blocks past FSM termination.
func (f *FSM) Send(msg interface{}) {
	select {
	case f.mailbox <- msg:
	case <-f.ctx.Done():
	}
}

// Transitions returns a channel of state transitions, most recent last.
// The channel is buffered; when it is full the oldest unread transition is
// dropped to make room, so a slow reader misses the earliest states it has
// not yet read and still receives older buffered states before the latest.
func (f *FSM) Transitions() <-chan State {
	return f.transitions
}

// Inspect returns a race-free snapshot of the FSM's current state.
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
	defer func() {
		if f.leaderCancel != nil {
			f.leaderCancel()
		}
	}()
	for {
		msg, ok := f.next()
		if !ok {
			return
		}
		f.handle(msg)
	}
}

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

func (f *FSM) scheduleRetry(msg interface{}) {
	time.AfterFunc(retryDelay(f.cfg, msg), func() {
		f.Send(msg)
	})
}

func (f *FSM) transitionTo(s State) {
	f.state = s
	select {
	case f.transitions <- s:
	default:
		<-f.transitions
		f.transitions <- s
	}
}

func (f *FSM) handle(msg interface{}) {
	if q, ok := msg.(snapshotQuery); ok {
		q.reply <- Snapshot{State: f.state}
		return
	}

	switch f.state {
	case Initial:
		f.handleInitial(msg)
	case Election:
		f.handleElection(msg)
	case AwaitingSeedsFetch:
		f.handleAwaitingSeedsFetch(msg)
	case JoiningCluster:
		f.handleJoiningCluster(msg)
	case Follower:
		f.handleFollower(msg)
	case Leader:
		f.handleLeader(msg)
	}
}

func (f *FSM) handleInitial(msg interface{}) {
	switch m := msg.(type) {
	case Start:
		f.issueCreateDir()
	case createDirReply:
		switch {
		case m.err == nil, storeclient.IsExpected(m.err, storeclient.ErrNodeExists):
			f.transitionTo(Election)
			f.bidForElection()
		default:
			log.Warn("discovery: cannot initialize rendezvous namespace, retrying", zap.Error(m.err))
			f.scheduleRetry(Start{})
		}
	default:
		log.Debug("discovery: ignored message in Initial")
	}
}

func (f *FSM) issueCreateDir() {
	go func() {
		err := f.store.CreateDir(f.ctx, f.cfg.EtcdPath)
		f.Send(createDirReply{err: err})
	}()
}

func (f *FSM) handleElection(msg interface{}) {
	switch m := msg.(type) {
	case electionBidMsg:
		f.bidForElection()
	case electionReply:
		switch {
		case m.err == nil:
			f.enterLeader()
		case storeclient.IsExpected(m.err, storeclient.ErrNodeExists):
			f.enterAwaitingSeedsFetch()
		default:
			log.Warn("discovery: election bid failed, retrying", zap.Error(m.err))
			f.scheduleRetry(electionBidMsg{})
		}
	default:
		log.Debug("discovery: ignored message in Election")
	}
}

func (f *FSM) bidForElection() {
	go func() {
		no := false
		_, err := f.store.CompareAndSet(f.ctx, f.cfg.LeaderPath, f.membership.SelfAddress(), storeclient.CASOptions{
			TTL:       f.cfg.LeaderEntryTTL,
			PrevExist: &no,
		})
		f.Send(electionReply{err: err})
	}()
}

func (f *FSM) enterAwaitingSeedsFetch() {
	f.transitionTo(AwaitingSeedsFetch)
	f.fetchSeeds()
}

func (f *FSM) fetchSeeds() {
	go func() {
		ctx, cancel := context.WithTimeout(f.ctx, f.cfg.SeedsFetchTimeout)
		defer cancel()
		resp, err := f.store.Get(ctx, f.cfg.SeedsPath, true)
		f.Send(seedsReply{resp: resp, err: err})
	}()
}

func (f *FSM) handleAwaitingSeedsFetch(msg interface{}) {
	switch m := msg.(type) {
	case fetchSeedsMsg:
		f.fetchSeeds()
	case seedsReply:
		switch {
		case m.err == nil && len(m.resp.Nodes) > 0:
			seeds := make([]string, 0, len(m.resp.Nodes))
			for _, n := range m.resp.Nodes {
				seeds = append(seeds, n.Value)
			}
			f.enterJoiningCluster(seeds)
		case m.err == nil, storeclient.IsExpected(m.err, storeclient.ErrKeyNotFound):
			// Empty seed list: no one to join through. Re-contend.
			f.transitionTo(Election)
			f.bidForElection()
		default:
			log.Warn("discovery: cannot fetch seed list, retrying", zap.Error(m.err))
			f.scheduleRetry(fetchSeedsMsg{})
		}
	default:
		log.Debug("discovery: ignored message in AwaitingSeedsFetch")
	}
}

func (f *FSM) enterJoiningCluster(seeds []string) {
	f.joiningSeeds = seeds
	f.transitionTo(JoiningCluster)
	f.issueJoin(seeds)
}

func (f *FSM) issueJoin(seeds []string) {
	go func() {
		err := f.membership.Join(f.ctx, seeds)
		f.Send(joinResultMsg{err: err})
	}()
}

func (f *FSM) handleJoiningCluster(msg interface{}) {
	switch m := msg.(type) {
	case joinResultMsg:
		if m.err != nil {
			log.Warn("discovery: failed to join cluster, retrying", zap.Error(m.err))
			seeds := f.joiningSeeds
			time.AfterFunc(f.cfg.EtcdRetryDelay, func() {
				f.issueJoin(seeds)
			})
			return
		}
		f.transitionTo(Follower)
	default:
		log.Debug("discovery: ignored message in JoiningCluster")
	}
}

func (f *FSM) handleFollower(msg interface{}) {
	switch msg.(type) {
	case LeaderChanged:
		// Whether the leader departed outright (None) or leadership moved
		// to a different address, this follower's view of who to ask for
		// seeds is stale: re-contend rather than keep following a leader
		// it can no longer account for.
		f.transitionTo(Election)
		f.bidForElection()
	default:
		log.Debug("discovery: ignored message in Follower")
	}
}

func (f *FSM) enterLeader() {
	f.transitionTo(Leader)

	// A freshly elected leader has no seeds to join through; bootstrap its
	// own single-node gossip presence so that Members() below, and any
	// subsequent MemberUp events, have somewhere to attach to.
	go func() {
		if err := f.membership.Join(f.ctx, nil); err != nil {
			log.Warn("discovery: failed to bootstrap gossip membership", zap.Error(err))
		}
	}()

	if err := f.membership.SetLeader(true); err != nil {
		log.Warn("discovery: failed to announce leadership", zap.Error(err))
	}

	leaderCtx, leaderCancel := context.WithCancel(f.ctx)
	f.leaderCancel = leaderCancel

	members := make(map[string]struct{}, len(f.membership.Members()))
	for _, addr := range f.membership.Members() {
		members[addr] = struct{}{}
	}

	f.seedList = seedlist.New(leaderCtx, f.store, seedlist.Config{
		SeedsPath:      f.cfg.SeedsPath,
		EtcdRetryDelay: f.cfg.EtcdRetryDelay,
	})
	f.seedList.Start()
	f.seedList.Send(seedlist.InitialState{Members: members})

	f.startRefreshLoop(leaderCtx)
}

func (f *FSM) startRefreshLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.cfg.LeaderRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Send(refreshMsg{})
			}
		}
	}()
}

func (f *FSM) issueRefresh() {
	go func() {
		_, err := f.store.CompareAndSet(f.ctx, f.cfg.LeaderPath, f.membership.SelfAddress(), storeclient.CASOptions{
			TTL:       f.cfg.LeaderEntryTTL,
			PrevValue: f.membership.SelfAddress(),
		})
		f.Send(refreshReply{err: err})
	}()
}

func (f *FSM) handleLeader(msg interface{}) {
	switch m := msg.(type) {
	case refreshMsg:
		f.issueRefresh()
	case refreshReply:
		if m.err != nil {
			log.Warn("discovery: failed to refresh leader lease, stepping down", zap.Error(m.err))
			f.demoteFromLeader()
			f.transitionTo(Election)
			f.bidForElection()
		}
	case MemberUp:
		if f.seedList != nil {
			f.seedList.Send(seedlist.MemberAdded{Addr: m.Addr})
		}
	case MemberRemoved:
		if f.seedList != nil {
			f.seedList.Send(seedlist.MemberRemoved{Addr: m.Addr})
		}
	default:
		log.Debug("discovery: ignored message in Leader")
	}
}

func (f *FSM) demoteFromLeader() {
	if f.leaderCancel != nil {
		f.leaderCancel()
		f.leaderCancel = nil
	}
	f.seedList = nil
	if err := f.membership.SetLeader(false); err != nil {
		log.Warn("discovery: failed to retract leadership announcement", zap.Error(err))
	}
}
