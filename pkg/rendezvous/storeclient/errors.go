package storeclient

import "github.com/pkg/errors"

// Logical store errors the discovery protocol expects and drives
// transitions on. These are distinct from transport errors (connection,
// timeout, serialization), which callers see as whatever clientv3/grpc
// returned, usually wrapped with errors.Wrap at the call site.
var (
	// ErrNodeExists is returned by CreateDir when the directory already
	// exists, and by CompareAndSet when PrevExist is false but the key is
	// already present.
	ErrNodeExists = errors.New("node exists")

	// ErrKeyNotFound is returned by Get when the key is absent.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTestFailed is returned by CompareAndSet when PrevValue does not
	// match the key's current value.
	ErrTestFailed = errors.New("compare failed")
)

// IsExpected reports whether err is one of the logical errors the
// discovery protocol anticipates for a given call (as opposed to an
// unexpected logical code or a transport failure, both of which are
// treated identically by the FSMs: log, retry after a delay).
func IsExpected(err error, expected ...error) bool {
	cause := errors.Cause(err)
	for _, e := range expected {
		if cause == e {
			return true
		}
	}
	return false
}
