package seedlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/criticalstack/rendezvous/pkg/rendezvous/storeclient"
)

const (
	seedsPath  = "/rendezvous/seeds"
	retryDelay = 20 * time.Millisecond
)

func newTestFSM(t *testing.T, store storeclient.Store) *FSM {
	t.Helper()
	f := New(context.Background(), store, Config{
		SeedsPath:      seedsPath,
		EtcdRetryDelay: retryDelay,
	})
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func TestFSM_InitialStateWithEmptyStore(t *testing.T) {
	store := storeclient.NewFakeStore()
	f := newTestFSM(t, store)

	f.Send(InitialState{Members: map[string]struct{}{
		"10.0.0.1:7980": {},
		"10.0.0.2:7980": {},
	}})

	waitForAddressCount(t, f, 2)

	snap := f.Inspect()
	got := make(map[string]struct{}, len(snap.AddressMapping))
	for addr := range snap.AddressMapping {
		got[addr] = struct{}{}
	}
	want := map[string]struct{}{"10.0.0.1:7980": {}, "10.0.0.2:7980": {}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("address mapping mismatch (-want +got):\n%s", diff)
	}
}

func waitForAddressCount(t *testing.T, f *FSM, n int) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last Snapshot
	for time.Now().Before(deadline) {
		last = f.Inspect()
		if last.State == AwaitingCommand && len(last.AddressMapping) == n {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d address entries, last seen %#v", n, last.AddressMapping)
	return last
}

// TestFSM_Reconciliation covers the scenario where the store already holds
// seed entries that don't match the cluster's current membership: stale
// entries are deleted, missing ones created.
func TestFSM_Reconciliation(t *testing.T) {
	store := storeclient.NewFakeStore()
	seeded, err := store.Create(context.Background(), seedsPath, "10.0.0.9:7980")
	if err != nil {
		t.Fatal(err)
	}

	f := newTestFSM(t, store)
	f.Send(InitialState{Members: map[string]struct{}{
		"10.0.0.1:7980": {},
	}})

	snap := waitForAddressCount(t, f, 1)
	if _, ok := snap.AddressMapping["10.0.0.1:7980"]; !ok {
		t.Fatalf("expected 10.0.0.1:7980 to be registered, got %#v", snap.AddressMapping)
	}

	if _, err := store.Get(context.Background(), seeded.Node.Key, false); err == nil {
		t.Fatalf("expected stale seed entry %s to be deleted", seeded.Node.Key)
	}
}

// TestFSM_MemberAddedThenRemoved exercises the steady-state command path
// after the initial reconciliation has completed.
func TestFSM_MemberAddedThenRemoved(t *testing.T) {
	store := storeclient.NewFakeStore()
	f := newTestFSM(t, store)
	f.Send(InitialState{Members: map[string]struct{}{}})
	waitForAddressCount(t, f, 0)

	f.Send(MemberAdded{Addr: "10.0.0.5:7980"})
	waitForAddressCount(t, f, 1)

	f.Send(MemberRemoved{Addr: "10.0.0.5:7980"})
	snap := waitForAddressCount(t, f, 0)
	if len(snap.AddressMapping) != 0 {
		t.Fatalf("expected empty address mapping, got %#v", snap.AddressMapping)
	}
}

// TestFSM_RetriesFailedCreate ensures a failed store mutation is retried
// after the retry delay rather than silently dropped.
func TestFSM_RetriesFailedCreate(t *testing.T) {
	store := storeclient.NewFakeStore()
	store.FailNext("Create", storeclient.ErrTestFailed)

	f := newTestFSM(t, store)
	f.Send(InitialState{Members: map[string]struct{}{}})
	waitForAddressCount(t, f, 0)

	f.Send(MemberAdded{Addr: "10.0.0.7:7980"})
	waitForAddressCount(t, f, 1)
}

func TestFSM_RemovingUnknownMemberIsNoop(t *testing.T) {
	store := storeclient.NewFakeStore()
	f := newTestFSM(t, store)
	f.Send(InitialState{Members: map[string]struct{}{}})
	waitForAddressCount(t, f, 0)

	f.Send(MemberRemoved{Addr: "10.0.0.99:7980"})

	// There's no state transition to observe for a no-op; confirm the FSM
	// is still responsive and unchanged afterward.
	time.Sleep(50 * time.Millisecond)
	snap := f.Inspect()
	if diff := cmp.Diff(map[string]string{}, snap.AddressMapping, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("unexpected address mapping (-want +got):\n%s", diff)
	}
}
