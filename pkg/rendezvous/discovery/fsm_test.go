package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

const (
	etcdPath   = "/rendezvous"
	leaderPath = "/rendezvous/leader"
	seedsPath  = "/rendezvous/seeds"
)

// fakeMembership is a test double for Membership. Join succeeds
// immediately unless joinErr is set; Join records its seeds and SetLeader
// records the last value passed, for assertions. Members returns a copy of
// the members field.
type fakeMembership struct {
	mu      sync.Mutex
	self    string
	members []string
	joinErr error
	joins   [][]string
	leader  *bool
}

func newFakeMembership(self string) *fakeMembership {
	return &fakeMembership{self: self}
}

func (m *fakeMembership) SelfAddress() string { return m.self }

func (m *fakeMembership) Members() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.members))
	copy(out, m.members)
	return out
}

func (m *fakeMembership) Join(ctx context.Context, seeds []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, seeds)
	if m.joinErr != nil {
		return m.joinErr
	}
	return nil
}

func (m *fakeMembership) SetLeader(isLeader bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = &isLeader
	return nil
}

func (m *fakeMembership) isLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader != nil && *m.leader
}

func testConfig() Config {
	return Config{
		EtcdPath:              etcdPath,
		LeaderPath:            leaderPath,
		SeedsPath:             seedsPath,
		LeaderEntryTTL:        200 * time.Millisecond,
		LeaderRefreshInterval: 20 * time.Millisecond,
		EtcdRetryDelay:        20 * time.Millisecond,
		ElectionRetryDelay:    20 * time.Millisecond,
		SeedsFetchTimeout:     time.Second,
	}
}

func newTestFSM(t *testing.T, store storeclient.Store, m Membership) (*FSM, chan interface{}) {
	t.Helper()
	events := make(chan interface{}, 16)
	f, err := New(context.Background(), store, m, events, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	f.Start()
	t.Cleanup(f.Stop)
	return f, events
}

// waitForState blocks until f's current state is want. Use it for states
// that are stable once reached (Leader, Follower).
func waitForState(t *testing.T, f *FSM, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last State
	for time.Now().Before(deadline) {
		last = f.Inspect().State
		if last == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, last)
}

// waitForVisited blocks until want has appeared somewhere in the
// transition stream or is the current state. Use it for states that may
// be transient (e.g. re-entering Election before immediately rejoining),
// where polling Inspect alone could race past the window entirely.
func waitForVisited(t *testing.T, f *FSM, transitions <-chan State, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case s := <-transitions:
			if s == want {
				return
			}
		default:
		}
		if f.Inspect().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting to observe state %s", want)
}

func TestFSM_WinsElectionWhenFirst(t *testing.T) {
	store := storeclient.NewFakeStore()
	mem := newFakeMembership("10.0.0.1:7980")
	f, _ := newTestFSM(t, store, mem)

	f.Send(Start{})
	waitForState(t, f, Leader)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !mem.isLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if !mem.isLeader() {
		t.Fatal("expected membership.SetLeader(true) to have been called")
	}
}

func TestFSM_LosesElectionThenJoinsThroughSeeds(t *testing.T) {
	store := storeclient.NewFakeStore()

	// Simulate an existing leader already holding the key and an existing
	// seed registered to join through.
	no := false
	if _, err := store.CompareAndSet(context.Background(), leaderPath, "10.0.0.9:7980", storeclient.CASOptions{PrevExist: &no}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(context.Background(), seedsPath, "10.0.0.9:7980"); err != nil {
		t.Fatal(err)
	}

	mem := newFakeMembership("10.0.0.2:7980")
	f, _ := newTestFSM(t, store, mem)

	f.Send(Start{})
	waitForState(t, f, Follower)

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.joins) == 0 {
		t.Fatal("expected Join to have been called")
	}
	last := mem.joins[len(mem.joins)-1]
	if len(last) != 1 || last[0] != "10.0.0.9:7980" {
		t.Fatalf("expected Join to be called with the registered seed, got %#v", last)
	}
}

func TestFSM_EmptySeedListReturnsToElection(t *testing.T) {
	store := storeclient.NewFakeStore()
	no := false
	if _, err := store.CompareAndSet(context.Background(), leaderPath, "10.0.0.9:7980", storeclient.CASOptions{PrevExist: &no}); err != nil {
		t.Fatal(err)
	}
	// No seeds registered: losing the election leads to a seeds fetch that
	// comes back empty, so the FSM re-contends instead of stalling.
	mem := newFakeMembership("10.0.0.2:7980")
	f, _ := newTestFSM(t, store, mem)
	transitions := f.Transitions()

	f.Send(Start{})
	waitForVisited(t, f, transitions, AwaitingSeedsFetch)
	waitForVisited(t, f, transitions, Election)
}

func TestFSM_LeaderRefreshFailureDemotes(t *testing.T) {
	store := storeclient.NewFakeStore()
	mem := newFakeMembership("10.0.0.1:7980")
	f, _ := newTestFSM(t, store, mem)
	transitions := f.Transitions()

	f.Send(Start{})
	waitForState(t, f, Leader)

	// Simulate the lease expiring / being stolen out from under the
	// leader: the next refresh CAS will see a mismatched PrevValue.
	if _, err := store.CompareAndSet(context.Background(), leaderPath, "someone-else", storeclient.CASOptions{}); err != nil {
		t.Fatal(err)
	}

	waitForVisited(t, f, transitions, Election)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && mem.isLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if mem.isLeader() {
		t.Fatal("expected SetLeader(false) to have been called on demotion")
	}
}

func TestFSM_FollowerReElectsOnLeaderChanged(t *testing.T) {
	store := storeclient.NewFakeStore()
	no := false
	if _, err := store.CompareAndSet(context.Background(), leaderPath, "10.0.0.9:7980", storeclient.CASOptions{PrevExist: &no}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(context.Background(), seedsPath, "10.0.0.9:7980"); err != nil {
		t.Fatal(err)
	}

	mem := newFakeMembership("10.0.0.2:7980")
	f, events := newTestFSM(t, store, mem)
	transitions := f.Transitions()

	f.Send(Start{})
	waitForState(t, f, Follower)

	// Discard the bootstrap transitions (which include Election) so that
	// only a re-election caused by the event below can satisfy the wait.
	for len(transitions) > 0 {
		<-transitions
	}

	events <- LeaderChanged{Addr: nil}
	waitForVisited(t, f, transitions, Election)
}
