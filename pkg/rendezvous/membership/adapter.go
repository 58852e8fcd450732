// Package membership adapts a hashicorp/memberlist gossip network into the
// discovery.Membership contract: node addresses, cluster-membership
// deltas, and leader-change hints, all observed purely through gossip.
package membership

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/criticalstack/rendezvous/pkg/log"
	"github.com/criticalstack/rendezvous/pkg/rendezvous/discovery"
	netutil "github.com/criticalstack/rendezvous/pkg/util/net"
)

// Adapter is a discovery.Membership implementation backed by a gossip
// network. Leadership is not a gossip-native concept; it is layered on top
// of the same broadcast/NotifyMsg plumbing memberlist uses for any other
// application-level message.
type Adapter struct {
	m      memberlister
	config *memberlist.Config

	nodeEvents chan memberlist.NodeEvent
	broadcasts *memberlist.TransmitLimitedQueue

	self      *Member
	startOnce sync.Once
	startErr  error

	mu      sync.RWMutex
	addrs   map[string]string // memberlist node name -> advertised addr
	leaders map[string]bool   // node name -> currently claims leadership

	out chan interface{}
}

// New builds an Adapter. The returned value does not yet participate in
// any gossip network; call Join to do so.
func New(cfg *Config) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := memberlist.DefaultLANConfig()
	c.Name = cfg.Name
	c.BindAddr = cfg.BindAddr
	c.BindPort = cfg.BindPort
	c.SecretKey = cfg.SecretKey
	c.Logger = stdlog.New(&stdLogAdapter{log.NewLoggerWithLevel("membership", cfg.LogLevel, zap.AddCallerSkip(2))}, "", 0)

	a := &Adapter{
		m:          &noopMemberlist{},
		config:     c,
		nodeEvents: make(chan memberlist.NodeEvent, 100),
		addrs:      make(map[string]string),
		leaders:    make(map[string]bool),
		out:        make(chan interface{}, 256),
		self: &Member{
			Name: cfg.Name,
			Addr: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort),
		},
	}
	a.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return a.m.NumMembers() },
		RetransmitMult: 4,
	}
	c.Delegate = a
	c.Events = &memberlist.ChannelEventDelegate{Ch: a.nodeEvents}

	go a.translateEvents()
	return a, nil
}

// Events returns the channel of discovery.MemberUp, discovery.MemberRemoved
// and discovery.LeaderChanged values observed through gossip.
func (a *Adapter) Events() <-chan interface{} { return a.out }

// SelfAddress implements discovery.Membership.
func (a *Adapter) SelfAddress() string { return a.self.Addr }

// Members implements discovery.Membership.
func (a *Adapter) Members() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.addrs))
	for _, addr := range a.addrs {
		out = append(out, addr)
	}
	return out
}

// Join implements discovery.Membership. It lazily creates the local
// memberlist node on first call, then attempts to join through seeds until
// successful or ctx is done. A nil or empty seed list succeeds immediately,
// which is how a freshly elected leader bootstraps its own single-node
// gossip network.
func (a *Adapter) Join(ctx context.Context, seeds []string) error {
	a.startOnce.Do(func() {
		m, err := memberlist.Create(a.config)
		if err != nil {
			a.startErr = err
			return
		}
		a.m = m
	})
	if a.startErr != nil {
		return a.startErr
	}

	peers := make([]string, 0, len(seeds))
	for _, s := range seeds {
		host, port, err := netutil.SplitHostPort(s)
		if err != nil {
			return errors.Wrapf(err, "cannot split seed address: %#v", s)
		}
		if host == "" {
			host = "127.0.0.1"
		}
		if port == 0 {
			port = DefaultPort
		}
		peers = append(peers, fmt.Sprintf("%s:%d", host, port))
	}
	if len(peers) == 0 {
		return nil
	}

	log.Debug("membership: attempting to join gossip network", zap.Strings("peers", peers))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := a.m.Join(peers); err != nil {
				log.Debugf("membership: cannot join gossip network: %v", err)
				continue
			}
			log.Debug("membership: joined gossip network")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetLeader implements discovery.Membership by broadcasting this node's
// leadership claim (or retraction) to the rest of the gossip network.
func (a *Adapter) SetLeader(isLeader bool) error {
	return a.broadcastLeader(a.self.Name, isLeader)
}

func (a *Adapter) translateEvents() {
	for ev := range a.nodeEvents {
		if ev.Node == nil || ev.Node.Name == a.self.Name {
			continue
		}
		switch ev.Event {
		case memberlist.NodeJoin, memberlist.NodeUpdate:
			if ev.Node.Meta == nil {
				continue
			}
			var m Member
			if err := m.Unmarshal(ev.Node.Meta); err != nil {
				log.Debugf("membership: cannot unmarshal member metadata: %v", err)
				continue
			}
			a.mu.Lock()
			_, existed := a.addrs[m.Name]
			a.addrs[m.Name] = m.Addr
			a.mu.Unlock()
			if !existed {
				a.publish(discovery.MemberUp{Addr: m.Addr})
			}
		case memberlist.NodeLeave:
			a.mu.Lock()
			addr, ok := a.addrs[ev.Node.Name]
			delete(a.addrs, ev.Node.Name)
			delete(a.leaders, ev.Node.Name)
			a.mu.Unlock()
			if ok {
				a.publish(discovery.MemberRemoved{Addr: addr})
			}
		}
	}
}

func (a *Adapter) publish(ev interface{}) {
	select {
	case a.out <- ev:
	default:
		log.Warn("membership: event channel full, dropping event")
	}
}

// leaderMsg is the gossip wire message used to propagate a leadership
// claim or retraction, and the anti-entropy full-state payload exchanged
// on join.
type leaderMsg struct {
	Name   string
	Leader bool
}

func (a *Adapter) broadcastLeader(name string, isLeader bool) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(leaderMsg{Name: name, Leader: isLeader}); err != nil {
		return err
	}
	a.broadcasts.QueueBroadcast(&broadcastMsg{b.Bytes()})
	a.applyLeaderUpdate(name, isLeader)
	return nil
}

func (a *Adapter) applyLeaderUpdate(name string, isLeader bool) {
	a.mu.Lock()
	if isLeader {
		a.leaders[name] = true
	} else {
		delete(a.leaders, name)
	}
	var addr *string
	for n := range a.leaders {
		if n == a.self.Name {
			self := a.self.Addr
			addr = &self
			break
		}
		if candidate, ok := a.addrs[n]; ok {
			addr = &candidate
			break
		}
	}
	a.mu.Unlock()
	a.publish(discovery.LeaderChanged{Addr: addr})
}

// broadcastMsg implements memberlist.Broadcast.
type broadcastMsg struct {
	data []byte
}

func (m *broadcastMsg) Invalidates(other memberlist.Broadcast) bool { return false }
func (m *broadcastMsg) Message() []byte                             { return m.data }
func (m *broadcastMsg) Finished()                                   {}

// NodeMeta implements memberlist.Delegate: it is how peers learn this
// node's rendezvous address, which may differ from the address memberlist
// itself observed the connection arrive from.
func (a *Adapter) NodeMeta(limit int) []byte {
	data, err := a.self.Marshal()
	if err != nil {
		log.Error("membership: cannot marshal self metadata", zap.Error(err))
		return nil
	}
	return data
}

func (a *Adapter) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	var m leaderMsg
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		log.Debugf("membership: cannot unmarshal gossip message: %v", err)
		return
	}
	a.applyLeaderUpdate(m.Name, m.Leader)
}

func (a *Adapter) GetBroadcasts(overhead, limit int) [][]byte {
	return a.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate, exchanging this node's full
// view of who currently claims leadership when a new member joins.
func (a *Adapter) LocalState(join bool) []byte {
	a.mu.RLock()
	msgs := make([]leaderMsg, 0, len(a.leaders))
	for n := range a.leaders {
		msgs = append(msgs, leaderMsg{Name: n, Leader: true})
	}
	a.mu.RUnlock()

	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(msgs); err != nil {
		log.Error("membership: cannot encode local state", zap.Error(err))
		return nil
	}
	return b.Bytes()
}

func (a *Adapter) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var msgs []leaderMsg
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&msgs); err != nil {
		log.Error("membership: cannot decode remote state", zap.Error(err))
		return
	}
	for _, m := range msgs {
		a.applyLeaderUpdate(m.Name, m.Leader)
	}
}

// Shutdown leaves the gossip network.
func (a *Adapter) Shutdown() error {
	return a.m.Shutdown()
}

var _ discovery.Membership = (*Adapter)(nil)
