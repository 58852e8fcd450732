package discovery

// State enumerates the Discovery FSM's states.
type State int

const (
	// Initial has not yet initialized the shared rendezvous namespace.
	Initial State = iota

	// Election has initialized the namespace and is contending for the
	// leader key.
	Election

	// AwaitingSeedsFetch lost the election and is fetching the existing
	// seed list to join through it.
	AwaitingSeedsFetch

	// JoiningCluster has a non-empty seed list and is joining the
	// cluster through the membership layer.
	JoiningCluster

	// Follower has joined the cluster and waits for hints that the
	// leader has changed.
	Follower

	// Leader owns the leader key and maintains the seed list via a
	// child Seed-list FSM.
	Leader
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Election:
		return "Election"
	case AwaitingSeedsFetch:
		return "AwaitingSeedsFetch"
	case JoiningCluster:
		return "JoiningCluster"
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}
