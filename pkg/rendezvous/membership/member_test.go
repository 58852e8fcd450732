package membership

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemberEncodeDecode(t *testing.T) {
	expected := &Member{
		Name: "node1",
		Addr: "10.0.0.1:7980",
	}
	data, err := expected.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	m := &Member{}
	if err := m.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(expected, m); diff != "" {
		t.Errorf("Member: after Unmarshal differs: (-want +got)\n%s", diff)
	}
}
