package storeclient

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
)

// maxCreateAttempts bounds the optimistic-concurrency loop used by Create to
// mint a unique child key. Losing this many races in a row against other
// writers indicates sustained contention rather than a transient collision,
// so the caller's own retry/back-off takes over from there.
const maxCreateAttempts = 20

// Node mirrors a single etcd v2 node: a key, its value, and (for a
// directory) whether it has children.
type Node struct {
	Key   string
	Value string
	Dir   bool
}

// Response mirrors an etcd v2 response: the node the operation acted on,
// the node's prior contents (populated by Delete), and any children (for a
// recursive Get of a directory).
type Response struct {
	Node     *Node
	PrevNode *Node
	Nodes    []*Node
}

// seqKey is the hidden counter each directory uses to mint unique,
// lexically-increasing child keys for Create, mirroring etcd v2's
// server-generated in-order keys.
func seqKey(dirKey string) string {
	return path.Join(dirKey, "_seq")
}

// CreateDir creates the directory marker at key, or returns ErrNodeExists
// if one is already present.
func (c *Client) CreateDir(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.Client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
	).Then(
		clientv3.OpPut(key, ""),
	).Commit()
	if err != nil {
		return errors.Wrapf(err, "createDir %s", key)
	}
	if !resp.Succeeded {
		return errors.Wrapf(ErrNodeExists, "createDir %s", key)
	}
	return nil
}

// Get fetches key. When recursive is true, key is treated as a directory
// and Response.Nodes holds every key stored under it, at any depth (the
// directory's own hidden sequence counter is never included). Returns ErrKeyNotFound if nothing
// is stored at key (or, for a directory, if it has no children).
func (c *Client) Get(ctx context.Context, key string, recursive bool) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if !recursive {
		resp, err := c.Client.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "get %s", key)
		}
		if len(resp.Kvs) == 0 {
			return nil, errors.Wrapf(ErrKeyNotFound, "get %s", key)
		}
		kv := resp.Kvs[0]
		return &Response{Node: &Node{Key: string(kv.Key), Value: string(kv.Value)}}, nil
	}

	resp, err := c.Client.Get(ctx, key+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	nodes := make([]*Node, 0, len(resp.Kvs))
	seq := seqKey(key)
	for _, kv := range resp.Kvs {
		if string(kv.Key) == seq {
			continue
		}
		nodes = append(nodes, &Node{Key: string(kv.Key), Value: string(kv.Value)})
	}
	if len(nodes) == 0 {
		return nil, errors.Wrapf(ErrKeyNotFound, "get %s", key)
	}
	return &Response{Node: &Node{Key: key, Dir: true}, Nodes: nodes}, nil
}

// Create mints a unique child key under dirKey holding value, returning
// the generated key in Response.Node.Key. The caller must never attempt to
// predict or reuse this key; record it (e.g. in an address-to-key mapping)
// for any later Delete.
func (c *Client) Create(ctx context.Context, dirKey, value string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	seq := seqKey(dirKey)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		cur, rev, err := c.getCounter(ctx, seq)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", dirKey)
		}
		next := cur + 1
		childKey := path.Join(dirKey, fmt.Sprintf("%016x", next))

		var cmp clientv3.Cmp
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(seq), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.ModRevision(seq), "=", rev)
		}
		resp, err := c.Client.Txn(ctx).If(cmp).Then(
			clientv3.OpPut(seq, strconv.FormatInt(next, 10)),
			clientv3.OpPut(childKey, value),
		).Commit()
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", dirKey)
		}
		if !resp.Succeeded {
			continue
		}
		return &Response{Node: &Node{Key: childKey, Value: value}}, nil
	}
	return nil, errors.Errorf("create %s: too much contention on sequence counter", dirKey)
}

func (c *Client) getCounter(ctx context.Context, seq string) (value int64, rev int64, err error) {
	resp, err := c.Client.Get(ctx, seq)
	if err != nil {
		return 0, 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}
	kv := resp.Kvs[0]
	n, err := strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "corrupt sequence counter %s", seq)
	}
	return n, kv.ModRevision, nil
}

// Delete removes key, returning its contents immediately prior to deletion
// in Response.PrevNode. Returns ErrKeyNotFound if key is already absent.
func (c *Client) Delete(ctx context.Context, key string, recursive bool) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	get, err := c.Client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "delete %s", key)
	}
	if len(get.Kvs) == 0 {
		return nil, errors.Wrapf(ErrKeyNotFound, "delete %s", key)
	}
	prev := &Node{Key: string(get.Kvs[0].Key), Value: string(get.Kvs[0].Value)}

	opts := []clientv3.OpOption{}
	if recursive {
		opts = append(opts, clientv3.WithPrefix())
	}
	resp, err := c.Client.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(key), "=", get.Kvs[0].ModRevision),
	).Then(
		clientv3.OpDelete(key, opts...),
	).Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "delete %s", key)
	}
	if !resp.Succeeded {
		return nil, errors.Wrapf(ErrKeyNotFound, "delete %s", key)
	}
	return &Response{PrevNode: prev}, nil
}

// CASOptions parameterizes CompareAndSet. A nil PrevExist combined with an
// empty PrevValue performs an unconditional set.
type CASOptions struct {
	// TTL, when non-zero, attaches a lease of this duration to the key.
	// Each successful CompareAndSet grants a fresh lease, so refreshing a
	// TTLed key is just calling CompareAndSet again with the same value.
	TTL time.Duration

	// PrevValue, when non-empty, requires the key's current value to
	// match exactly or the call fails with ErrTestFailed.
	PrevValue string

	// PrevExist, when non-nil and false, requires the key to be absent or
	// the call fails with ErrNodeExists.
	PrevExist *bool
}

// CompareAndSet atomically writes value to key if the conditions in opts
// hold, attaching a TTL lease when opts.TTL is non-zero.
func (c *Client) CompareAndSet(ctx context.Context, key, value string, opts CASOptions) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var cmp clientv3.Cmp
	var onFail error
	switch {
	case opts.PrevExist != nil && !*opts.PrevExist:
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		onFail = ErrNodeExists
	case opts.PrevValue != "":
		cmp = clientv3.Compare(clientv3.Value(key), "=", opts.PrevValue)
		onFail = ErrTestFailed
	default:
		cmp = clientv3.Compare(clientv3.Version(key), ">=", 0)
		onFail = ErrTestFailed
	}

	putOpts := []clientv3.OpOption{}
	if opts.TTL > 0 {
		lease, err := c.Client.Grant(ctx, int64(opts.TTL.Seconds()))
		if err != nil {
			return nil, errors.Wrapf(err, "compareAndSet %s: grant lease", key)
		}
		putOpts = append(putOpts, clientv3.WithLease(lease.ID))
	}

	resp, err := c.Client.Txn(ctx).If(cmp).Then(
		clientv3.OpPut(key, value, putOpts...),
	).Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "compareAndSet %s", key)
	}
	if !resp.Succeeded {
		return nil, errors.Wrapf(onFail, "compareAndSet %s", key)
	}
	return &Response{Node: &Node{Key: key, Value: value}}, nil
}

// Watch passes through to the underlying clientv3 watch. It is not used by
// the discovery or seed-list FSMs (they react only to membership events
// and the results of their own issued calls), but is exposed for callers
// that want to observe the store directly.
func (c *Client) Watch(ctx context.Context, key string, recursive bool) clientv3.WatchChan {
	if recursive {
		return c.Client.Watch(ctx, key+"/", clientv3.WithPrefix())
	}
	return c.Client.Watch(ctx, key)
}
