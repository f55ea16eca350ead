// Package redisgroup implements collective.Communicator on top of a shared Redis server.
//
// Each named operation is a round stored in a hash, keyed by "<prefix>[<session>:]<name>:<seq>",
// with one field per rank holding a gradsync.Contribution protobuf message. Members write their contribution, poll until all fields are present, then
// compute the result locally. The last member to read the round deletes it.
//
// The per-name sequence number is local to each member: it relies on every member issuing the
// same named operations in the same order, which the collective contract already requires.
// Since it restarts at 0 with every Communicator, rounds left behind by a crashed run expire after
// the TTL, and runs sharing a prefix should use distinct sessions.
package redisgroup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Ian2x/gradsync/collective"
	pb "github.com/Ian2x/gradsync/proto"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
	backend "github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/reflect/protoreflect"
	"k8s.io/klog/v2"
)

// DefaultTTL of the rounds.
const DefaultTTL = 10 * time.Minute

// Communicator is one member of a Redis backed group.
type Communicator struct {
	client  backend.UniversalClient
	rank    int
	size    int
	prefix  string
	session string
	poll    time.Duration
	ttl     time.Duration

	mu     sync.Mutex
	seq    map[string]int
	closed bool
}

var _ collective.Communicator = (*Communicator)(nil)

type Option func(*Communicator)

// WithPrefix sets the key prefix for the rounds.
func WithPrefix(prefix string) Option {
	return func(c *Communicator) {
		c.prefix = prefix
	}
}

// WithSession namespaces the rounds of one run, so that they never mix with the leftovers of a
// previous run using the same prefix. Every member of the group must use the same session.
func WithSession(session string) Option {
	return func(c *Communicator) {
		c.session = session
	}
}

// WithPollInterval sets how often a member checks whether the others have submitted.
func WithPollInterval(d time.Duration) Option {
	return func(c *Communicator) {
		c.poll = d
	}
}

// WithTTL sets the expiration of the rounds, refreshed by every submission, so abandoned rounds
// don't accumulate. Zero disables it.
func WithTTL(ttl time.Duration) Option {
	return func(c *Communicator) {
		c.ttl = ttl
	}
}

// New creates the member rank of a group of the given size.
func New(client backend.UniversalClient, rank, size int, opts ...Option) (*Communicator, error) {
	if size <= 0 {
		return nil, errors.Errorf("need > 0 members in a group, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("rank %d out of range for a group of size %d", rank, size)
	}
	c := &Communicator{
		client: client,
		rank:   rank,
		size:   size,
		prefix: "gradsync:collective:",
		poll:   5 * time.Millisecond,
		ttl:    DefaultTTL,
		seq:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Rank implements collective.Communicator.
func (c *Communicator) Rank() int { return c.rank }

// Size implements collective.Communicator.
func (c *Communicator) Size() int { return c.size }

// Close implements collective.Communicator. The Redis client is owned by the caller.
func (c *Communicator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// AllreduceDense implements collective.Communicator.
func (c *Communicator) AllreduceDense(ctx context.Context, t *tensor.Dense, name string, op collective.ReduceOp) (*tensor.Dense, error) {
	return c.run(ctx, name, "allreduce:"+op.String(), t, func(inputs []*tensor.Dense) (*tensor.Dense, error) {
		return collective.ReduceAll(inputs, op)
	})
}

// Allgather implements collective.Communicator.
func (c *Communicator) Allgather(ctx context.Context, t *tensor.Dense, name string) (*tensor.Dense, error) {
	return c.run(ctx, name, "allgather", t, collective.Gather)
}

// Broadcast implements collective.Communicator.
func (c *Communicator) Broadcast(ctx context.Context, t *tensor.Dense, root int, name string) (*tensor.Dense, error) {
	if root < 0 || root >= c.size {
		return nil, errors.Errorf("Broadcast(%q): root rank %d out of range for a group of size %d", name, root, c.size)
	}
	return c.run(ctx, name, fmt.Sprintf("broadcast:%d", root), t, func(inputs []*tensor.Dense) (*tensor.Dense, error) {
		if err := collective.CheckSameShape(inputs); err != nil {
			return nil, err
		}
		return inputs[root], nil
	})
}

func (c *Communicator) nextKey(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", collective.ErrGroupClosed
	}
	seq := c.seq[name]
	c.seq[name] = seq + 1
	if c.session != "" {
		return fmt.Sprintf("%s%s:%s:%d", c.prefix, c.session, name, seq), nil
	}
	return fmt.Sprintf("%s%s:%d", c.prefix, name, seq), nil
}

func (c *Communicator) run(ctx context.Context, name, kind string, t *tensor.Dense,
	compute func([]*tensor.Dense) (*tensor.Dense, error)) (*tensor.Dense, error) {
	key, err := c.nextKey(name)
	if err != nil {
		return nil, err
	}
	// 1. Submit this rank's contribution.
	if err := c.submit(ctx, key, kind, t); err != nil {
		return nil, errors.WithMessagef(err, "failed to submit %q", name)
	}

	// 2. Wait for the other members.
	if err := c.waitAll(ctx, key); err != nil {
		return nil, errors.WithMessagef(err, "rank %d waiting on %q", c.rank, name)
	}
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q from redis", name)
	}

	// 3. The last reader cleans up.
	readers := key + ":readers"
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, readers)
	if c.ttl > 0 {
		pipe.Expire(ctx, readers, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to mark %q as read", name)
	}
	if incr.Val() == int64(c.size) {
		if err := c.client.Del(ctx, key, readers).Err(); err != nil {
			klog.Warningf("failed to delete collective round %q: %v", key, err)
		}
	}

	inputs, err := c.decode(fields, kind)
	if err != nil {
		return nil, errors.WithMessagef(err, "collective %q", name)
	}
	out, err := compute(inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "collective %q", name)
	}
	return out.Clone(), nil
}

func encodeContribution(kind string, t *tensor.Dense) ([]byte, error) {
	contrib := pb.New(pb.Contribution)
	pb.Set(contrib, "kind", protoreflect.ValueOfString(kind))
	pb.Set(contrib, "tensor", protoreflect.ValueOfMessage(collective.ToWire(t).ToProto()))
	payload, err := pb.Marshal(contrib)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal contribution")
	}
	return payload, nil
}

// submit writes this rank's contribution to the round at key.
func (c *Communicator) submit(ctx context.Context, key, kind string, t *tensor.Dense) error {
	payload, err := encodeContribution(kind, t)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(c.rank), payload)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis")
	}
	return nil
}

func (c *Communicator) waitAll(ctx context.Context, key string) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		n, err := c.client.HLen(ctx, key).Result()
		if err != nil {
			return errors.Wrap(err, "failed to poll redis")
		}
		if n >= int64(c.size) {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Communicator) decode(fields map[string]string, kind string) ([]*tensor.Dense, error) {
	if len(fields) != c.size {
		return nil, errors.Errorf("round holds %d contributions, expected %d", len(fields), c.size)
	}
	inputs := make([]*tensor.Dense, c.size)
	for field, value := range fields {
		rank, err := strconv.Atoi(field)
		if err != nil || rank < 0 || rank >= c.size {
			return nil, errors.Errorf("invalid rank field %q in round", field)
		}
		contrib, err := pb.Unmarshal(pb.Contribution, []byte(value))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal contribution of rank %d", rank)
		}
		if got := pb.Get(contrib, "kind").String(); got != kind {
			return nil, util.RankErrorf(rank, collective.ErrOpMismatch, "issued as %s, expected %s", got, kind)
		}
		if !pb.Has(contrib, "tensor") {
			return nil, util.RankErrorf(rank, errors.New("missing tensor"), "invalid contribution")
		}
		wire, err := collective.WireTensorFromProto(pb.Get(contrib, "tensor").Message())
		if err == nil {
			inputs[rank], err = collective.FromWire(wire)
		}
		if err != nil {
			return nil, util.RankErrorf(rank, err, "invalid tensor")
		}
	}
	return inputs, nil
}
