package storeclient

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// FakeStore is an in-memory Store used by the FSM test suites; it
// reproduces just enough of the real CAS/counter semantics from ops.go to
// exercise the FSMs' retry and reconciliation paths without an etcd
// cluster.
type FakeStore struct {
	mu         sync.Mutex
	rev        int64
	nodes      map[string]*fakeNode
	seqCounter map[string]int64
	failNext   map[string]error
}

type fakeNode struct {
	value          string
	createRevision int64
	modRevision    int64
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		nodes:      make(map[string]*fakeNode),
		seqCounter: make(map[string]int64),
	}
}

// FailNext makes the next call to the named operation (e.g. "Get",
// "Create") return err instead of performing the operation. The failure
// is consumed on first use.
func (s *FakeStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext == nil {
		s.failNext = make(map[string]error)
	}
	s.failNext[op] = err
}

func (s *FakeStore) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failNext[op]
	if ok {
		delete(s.failNext, op)
	}
	return err
}

func (s *FakeStore) nextRev() int64 {
	s.rev++
	return s.rev
}

func (s *FakeStore) CreateDir(ctx context.Context, key string) error {
	if err := s.takeFailure("CreateDir"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[key]; ok {
		return ErrNodeExists
	}
	s.nodes[key] = &fakeNode{createRevision: s.nextRev()}
	return nil
}

func (s *FakeStore) Get(ctx context.Context, key string, recursive bool) (*Response, error) {
	if err := s.takeFailure("Get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !recursive {
		n, ok := s.nodes[key]
		if !ok {
			return nil, ErrKeyNotFound
		}
		return &Response{Node: &Node{Key: key, Value: n.value}}, nil
	}

	prefix := key + "/"
	var out []*Node
	for k, n := range s.nodes {
		if k == key || !strings.HasPrefix(k, prefix) || strings.HasSuffix(k, "/_seq") {
			continue
		}
		out = append(out, &Node{Key: k, Value: n.value})
	}
	if len(out) == 0 {
		return nil, ErrKeyNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return &Response{Nodes: out}, nil
}

func (s *FakeStore) Create(ctx context.Context, dirKey, value string) (*Response, error) {
	if err := s.takeFailure("Create"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqCounter[dirKey]++
	childKey := path.Join(dirKey, fmt.Sprintf("%016x", s.seqCounter[dirKey]))
	rev := s.nextRev()
	s.nodes[childKey] = &fakeNode{value: value, createRevision: rev, modRevision: rev}
	return &Response{Node: &Node{Key: childKey, Value: value}}, nil
}

func (s *FakeStore) Delete(ctx context.Context, key string, recursive bool) (*Response, error) {
	if err := s.takeFailure("Delete"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	delete(s.nodes, key)
	return &Response{PrevNode: &Node{Key: key, Value: n.value}}, nil
}

func (s *FakeStore) CompareAndSet(ctx context.Context, key, value string, opts CASOptions) (*Response, error) {
	if err := s.takeFailure("CompareAndSet"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[key]
	switch {
	case opts.PrevExist != nil && !*opts.PrevExist:
		if ok {
			return nil, ErrNodeExists
		}
	case opts.PrevValue != "":
		if !ok || existing.value != opts.PrevValue {
			return nil, ErrTestFailed
		}
	}

	rev := s.nextRev()
	createRev := rev
	var prevNode *Node
	if ok {
		createRev = existing.createRevision
		prevNode = &Node{Key: key, Value: existing.value}
	}
	s.nodes[key] = &fakeNode{value: value, createRevision: createRev, modRevision: rev}
	return &Response{Node: &Node{Key: key, Value: value}, PrevNode: prevNode}, nil
}

var _ Store = (*FakeStore)(nil)
