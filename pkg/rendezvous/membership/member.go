package membership

import (
	"bytes"
	"encoding/gob"

	"github.com/hashicorp/memberlist"
)

// Member is the metadata a node publishes about itself via memberlist's
// node metadata, letting peers learn its rendezvous address independent of
// whatever address the gossip transport itself observed it connect from.
type Member struct {
	Name string
	Addr string
}

func (m *Member) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(*m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (m *Member) Unmarshal(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(m)
}

// memberlister is the subset of *memberlist.Memberlist the adapter depends
// on, substituted with a no-op before Join has been called once.
type memberlister interface {
	Join([]string) (int, error)
	LocalNode() *memberlist.Node
	Members() []*memberlist.Node
	NumMembers() int
	Shutdown() error
}

type noopMemberlist struct{}

func (noopMemberlist) Join([]string) (int, error)      { return 0, nil }
func (noopMemberlist) LocalNode() *memberlist.Node      { return &memberlist.Node{} }
func (noopMemberlist) Members() []*memberlist.Node      { return nil }
func (noopMemberlist) NumMembers() int                  { return 0 }
func (noopMemberlist) Shutdown() error                  { return nil }
