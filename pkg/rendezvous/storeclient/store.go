package storeclient

import "context"

// Store is the subset of store operations the discovery and seed-list FSMs
// depend on. *Client implements it against a real etcd cluster; tests
// substitute an in-memory fake satisfying the same contract.
type Store interface {
	CreateDir(ctx context.Context, key string) error
	Get(ctx context.Context, key string, recursive bool) (*Response, error)
	Create(ctx context.Context, dirKey, value string) (*Response, error)
	Delete(ctx context.Context, key string, recursive bool) (*Response, error)
	CompareAndSet(ctx context.Context, key, value string, opts CASOptions) (*Response, error)
}

var _ Store = (*Client)(nil)
