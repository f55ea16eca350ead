// Package local implements collective.Communicator for a group of goroutines in one process.
//
// It is the transport used by tests and single-host simulations: NewGroup(n) returns n members,
// each meant to be driven by its own goroutine.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hub is the rendezvous table shared by the members of a group.
type hub struct {
	size    int
	mu      sync.Mutex
	pending map[string]*round // Operation name to the round waiting for members.
}

// round is one collective operation, waiting for every member to submit.
type round struct {
	kind    string
	inputs  []*tensor.Dense
	arrived int
	compute func(inputs []*tensor.Dense) (*tensor.Dense, error)

	done   chan struct{}
	result *tensor.Dense
	err    error
}

// Member is one rank of a local group. It implements collective.Communicator.
type Member struct {
	hub  *hub
	rank int

	mu     sync.Mutex
	closed bool
}

var _ collective.Communicator = (*Member)(nil)

// NewGroup creates a group of size members sharing one rendezvous table.
func NewGroup(size int) ([]*Member, error) {
	if size <= 0 {
		return nil, errors.Errorf("need > 0 members in a group, got %d", size)
	}
	h := &hub{size: size, pending: make(map[string]*round)}
	members := make([]*Member, size)
	for rank := range members {
		members[rank] = &Member{hub: h, rank: rank}
	}
	return members, nil
}

// Rank implements collective.Communicator.
func (m *Member) Rank() int { return m.rank }

// Size implements collective.Communicator.
func (m *Member) Size() int { return m.hub.size }

// Close implements collective.Communicator.
func (m *Member) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// AllreduceDense implements collective.Communicator.
func (m *Member) AllreduceDense(ctx context.Context, t *tensor.Dense, name string, op collective.ReduceOp) (*tensor.Dense, error) {
	return m.submit(ctx, name, "allreduce:"+op.String(), t, func(inputs []*tensor.Dense) (*tensor.Dense, error) {
		return collective.ReduceAll(inputs, op)
	})
}

// Allgather implements collective.Communicator.
func (m *Member) Allgather(ctx context.Context, t *tensor.Dense, name string) (*tensor.Dense, error) {
	return m.submit(ctx, name, "allgather", t, collective.Gather)
}

// Broadcast implements collective.Communicator.
func (m *Member) Broadcast(ctx context.Context, t *tensor.Dense, root int, name string) (*tensor.Dense, error) {
	if root < 0 || root >= m.hub.size {
		return nil, errors.Errorf("Broadcast(%q): root rank %d out of range for a group of size %d", name, root, m.hub.size)
	}
	kind := fmt.Sprintf("broadcast:%d", root)
	return m.submit(ctx, name, kind, t, func(inputs []*tensor.Dense) (*tensor.Dense, error) {
		if err := collective.CheckSameShape(inputs); err != nil {
			return nil, err
		}
		return inputs[root], nil
	})
}

// submit registers this member's contribution to the named round and blocks until every member
// contributed, or ctx is done.
func (m *Member) submit(ctx context.Context, name, kind string, t *tensor.Dense,
	compute func([]*tensor.Dense) (*tensor.Dense, error)) (*tensor.Dense, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, collective.ErrGroupClosed
	}

	h := m.hub
	h.mu.Lock()
	r, exists := h.pending[name]
	if !exists {
		r = &round{
			kind:    kind,
			inputs:  make([]*tensor.Dense, h.size),
			compute: compute,
			done:    make(chan struct{}),
		}
		h.pending[name] = r
	}
	switch {
	case r.inputs[m.rank] != nil:
		// Same member submitting twice before the round completed.
		h.mu.Unlock()
		return nil, errors.Errorf("rank %d submitted %q twice in the same round", m.rank, name)
	case r.kind != kind && r.err == nil:
		r.err = util.RankErrorf(m.rank, collective.ErrOpMismatch, "%q issued as %s, previously as %s", name, kind, r.kind)
	}
	r.inputs[m.rank] = t
	r.arrived++
	if r.arrived == h.size {
		delete(h.pending, name)
		if r.err == nil {
			r.result, r.err = r.compute(r.inputs)
		}
		if r.err != nil {
			klog.Warningf("collective %q failed: %v", name, r.err)
		}
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on %q", m.rank, name)
	}
	if r.err != nil {
		return nil, errors.WithMessagef(r.err, "collective %q", name)
	}
	return r.result.Clone(), nil
}
