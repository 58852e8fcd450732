package seedlist

// State enumerates the Seed-list FSM's states.
type State int

const (
	// AwaitingInitialState is the state the FSM starts in: it has no
	// local view yet, so membership commands are stashed until the
	// initial snapshot arrives.
	AwaitingInitialState State = iota

	// AwaitingRegisteredSeeds has received the snapshot and has a
	// recursive get(seedsPath) in flight to reconcile the local view
	// against what the store already holds.
	AwaitingRegisteredSeeds

	// AwaitingCommand is the steady state: ready to issue the next store
	// mutation in response to a command.
	AwaitingCommand

	// AwaitingEtcdReply has exactly one store mutation in flight;
	// incoming commands are stashed until it completes.
	AwaitingEtcdReply
)

func (s State) String() string {
	switch s {
	case AwaitingInitialState:
		return "AwaitingInitialState"
	case AwaitingRegisteredSeeds:
		return "AwaitingRegisteredSeeds"
	case AwaitingCommand:
		return "AwaitingCommand"
	case AwaitingEtcdReply:
		return "AwaitingEtcdReply"
	default:
		return "Unknown"
	}
}
