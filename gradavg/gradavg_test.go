package gradavg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/collective/local"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runProcesses simulates size processes, each calling fn with its own group handle.
func runProcesses(t *testing.T, size int, fn func(ctx context.Context, group *collective.Group) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	members := must.M1(local.NewGroup(size))
	var eg errgroup.Group
	for _, m := range members {
		eg.Go(func() error {
			group := collective.FromCommunicator(m)
			defer func() { _ = group.Shutdown() }()
			return fn(ctx, group)
		})
	}
	require.NoError(t, eg.Wait())
}

var errUnreachable = errors.New("peer unreachable")

// recordingComm pretends to be one member of a group where every other member contributed the same
// values, and records the names of the operations issued.
type recordingComm struct {
	size int
	fail bool

	mu    sync.Mutex
	calls []string
}

func (c *recordingComm) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.fail {
		return errUnreachable
	}
	return nil
}

func (c *recordingComm) Rank() int { return 0 }

func (c *recordingComm) Size() int { return c.size }

func (c *recordingComm) AllreduceDense(_ context.Context, t *tensor.Dense, name string, op collective.ReduceOp) (*tensor.Dense, error) {
	if err := c.record("allreduce " + name); err != nil {
		return nil, err
	}
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= float64(c.size)
	}
	return out, nil
}

func (c *recordingComm) Allgather(_ context.Context, t *tensor.Dense, name string) (*tensor.Dense, error) {
	if err := c.record("allgather " + name); err != nil {
		return nil, err
	}
	parts := make([]*tensor.Dense, c.size)
	for i := range parts {
		parts[i] = t
	}
	return tensor.Concat(parts...)
}

func (c *recordingComm) Broadcast(_ context.Context, t *tensor.Dense, _ int, name string) (*tensor.Dense, error) {
	if err := c.record("broadcast " + name); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (c *recordingComm) Close() error { return nil }
