package membership

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/criticalstack/rendezvous/pkg/rendezvous/discovery"
)

// TestAdapter_SetLeaderPublishesLeaderChanged exercises the leadership
// broadcast without ever joining an actual gossip network: SetLeader
// reaches applyLeaderUpdate directly, which is enough to confirm the
// self-claim and self-retraction paths publish the right hint.
func TestAdapter_SetLeaderPublishesLeaderChanged(t *testing.T) {
	a, err := New(&Config{Name: "n1", BindAddr: "127.0.0.1", BindPort: 17980})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.SetLeader(true); err != nil {
		t.Fatal(err)
	}
	lc := recvLeaderChanged(t, a)
	if lc.Addr == nil || *lc.Addr != a.SelfAddress() {
		t.Fatalf("expected leader addr %s, got %#v", a.SelfAddress(), lc.Addr)
	}

	if err := a.SetLeader(false); err != nil {
		t.Fatal(err)
	}
	lc = recvLeaderChanged(t, a)
	if lc.Addr != nil {
		t.Fatalf("expected nil leader addr after retraction, got %s", *lc.Addr)
	}
}

// TestAdapter_NotifyMsgFromPeerAppliesLeaderUpdate confirms a leaderMsg
// arriving over NotifyMsg (the path a real peer's broadcast takes)
// resolves to that peer's previously learned address.
func TestAdapter_NotifyMsgFromPeerAppliesLeaderUpdate(t *testing.T) {
	a, err := New(&Config{Name: "n1", BindAddr: "127.0.0.1", BindPort: 17981})
	if err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	a.addrs["peer1"] = "10.0.0.5:7980"
	a.mu.Unlock()

	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(leaderMsg{Name: "peer1", Leader: true}); err != nil {
		t.Fatal(err)
	}
	a.NotifyMsg(b.Bytes())

	lc := recvLeaderChanged(t, a)
	if lc.Addr == nil || *lc.Addr != "10.0.0.5:7980" {
		t.Fatalf("expected leader addr 10.0.0.5:7980, got %#v", lc.Addr)
	}
}

func recvLeaderChanged(t *testing.T, a *Adapter) discovery.LeaderChanged {
	t.Helper()
	select {
	case ev := <-a.Events():
		lc, ok := ev.(discovery.LeaderChanged)
		if !ok {
			t.Fatalf("expected discovery.LeaderChanged, got %#v", ev)
		}
		return lc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for LeaderChanged event")
		return discovery.LeaderChanged{}
	}
}
