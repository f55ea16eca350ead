package collective

import (
	"context"
	"sync"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DialFn connects this process to its communication group.
type DialFn func() (Communicator, error)

// Group is the process-wide communication context. It is created once per process and passed
// explicitly to the components that issue collective operations.
//
// The connection is established on first use, and torn down with Shutdown.
// Group never creates or resizes the group itself: membership is owned by the transport.
type Group struct {
	dial DialFn

	once    sync.Once
	mu      sync.Mutex
	comm    Communicator
	initErr error
	closed  bool
}

// NewGroup returns a Group that connects with dial on first use.
func NewGroup(dial DialFn) *Group {
	return &Group{dial: dial}
}

// FromCommunicator returns an already initialized Group.
func FromCommunicator(comm Communicator) *Group {
	g := &Group{comm: comm}
	g.once.Do(func() {})
	return g
}

// SingleProcess returns a group of size 1: every collective returns its input.
func SingleProcess() *Group {
	return FromCommunicator(selfCommunicator{})
}

// Comm returns the communicator, connecting if needed. A group that was shut down never connects.
func (g *Group) Comm() (Communicator, error) {
	g.once.Do(g.connect)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGroupClosed
	}
	if g.initErr != nil {
		return nil, g.initErr
	}
	return g.comm, nil
}

func (g *Group) connect() {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	klog.V(1).Infof("initializing communication group")
	comm, err := g.dial()
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.initErr = errors.WithMessage(err, "failed to initialize communication group")
		return
	}
	if g.closed {
		// Shutdown ran while dialing.
		if err := comm.Close(); err != nil {
			klog.Warningf("failed to close communicator of a group shut down while connecting: %v", err)
		}
		return
	}
	g.comm = comm
	klog.Infof("communication group initialized: rank %d of %d", comm.Rank(), comm.Size())
}

// Size of the group, connecting if needed.
func (g *Group) Size() (int, error) {
	comm, err := g.Comm()
	if err != nil {
		return 0, err
	}
	return comm.Size(), nil
}

// Rank of this process, connecting if needed.
func (g *Group) Rank() (int, error) {
	comm, err := g.Comm()
	if err != nil {
		return 0, err
	}
	return comm.Rank(), nil
}

// Shutdown closes the communicator. Subsequent calls to Comm return ErrGroupClosed.
// It is safe to call Shutdown more than once, or on a group that was never used.
func (g *Group) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.comm == nil {
		return nil
	}
	return g.comm.Close()
}

// selfCommunicator is the group of one.
type selfCommunicator struct{}

func (selfCommunicator) Rank() int { return 0 }

func (selfCommunicator) Size() int { return 1 }

func (selfCommunicator) AllreduceDense(_ context.Context, t *tensor.Dense, _ string, _ ReduceOp) (*tensor.Dense, error) {
	return t.Clone(), nil
}

func (selfCommunicator) Allgather(_ context.Context, t *tensor.Dense, _ string) (*tensor.Dense, error) {
	return t.Clone(), nil
}

func (selfCommunicator) Broadcast(_ context.Context, t *tensor.Dense, root int, name string) (*tensor.Dense, error) {
	if root != 0 {
		return nil, errors.Errorf("Broadcast(%q): root rank %d out of range for a group of size 1", name, root)
	}
	return t.Clone(), nil
}

func (selfCommunicator) Close() error { return nil }
