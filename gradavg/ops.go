package gradavg

import (
	"context"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/engine"
	"github.com/Ian2x/gradsync/optimizer"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
)

// Ops runs collective operations on named values and blocks until they complete.
// Failures of the collective layer are returned unchanged, with the op name attached.
type Ops struct {
	Group *collective.Group

	// Session runs the ops. Nil is a session without metrics.
	Session *engine.Session
}

func (o *Ops) comm() (collective.Communicator, error) {
	if o.Group == nil {
		return nil, errors.New("gradavg.Ops used without a communication group")
	}
	return o.Group.Comm()
}

// BroadcastAllParameters overwrites, in place, the value of every parameter with the one of the
// root process. Each parameter is broadcast under its name (or its ID if it has none).
func (o *Ops) BroadcastAllParameters(ctx context.Context, params []*optimizer.Parameter, root int) error {
	op := engine.NewOp("broadcast_all_parameters", func(ctx context.Context) (int, error) {
		comm, err := o.comm()
		if err != nil {
			return 0, err
		}
		for _, p := range params {
			name := p.Name
			if name == "" {
				name = p.ID
			}
			if p.Value == nil {
				return 0, errors.Errorf("parameter %q has no value", name)
			}
			value, err := comm.Broadcast(ctx, p.Value, root, name)
			if err != nil {
				return 0, errors.WithMessagef(err, "broadcast of parameter %q", name)
			}
			if len(value.Data) != len(p.Value.Data) {
				return 0, errors.Errorf("broadcast of parameter %q returned %d values, expected %d",
					name, len(value.Data), len(p.Value.Data))
			}
			copy(p.Value.Data, value.Data)
		}
		return len(params), nil
	})
	_, err := engine.Run(ctx, o.Session, op)
	return err
}

// Allreduce returns the sum of value across the group, or the mean if average is set.
func (o *Ops) Allreduce(ctx context.Context, value *tensor.Dense, name string, average bool) (*tensor.Dense, error) {
	return engine.Run(ctx, o.Session, engine.NewOp("allreduce/"+name, func(ctx context.Context) (*tensor.Dense, error) {
		comm, err := o.comm()
		if err != nil {
			return nil, err
		}
		out, err := collective.Allreduce(ctx, comm, value, name, collective.Options{Average: average})
		if err != nil {
			return nil, err
		}
		return out.(*tensor.Dense), nil
	}))
}

// Allgather returns the values of every process concatenated along the first dimension, in rank order.
func (o *Ops) Allgather(ctx context.Context, value *tensor.Dense, name string) (*tensor.Dense, error) {
	return engine.Run(ctx, o.Session, engine.NewOp("allgather/"+name, func(ctx context.Context) (*tensor.Dense, error) {
		comm, err := o.comm()
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, errors.Errorf("Allgather(%q) called with a nil value", name)
		}
		return comm.Allgather(ctx, value, name)
	}))
}

// Broadcast returns the value of the root process.
func (o *Ops) Broadcast(ctx context.Context, value *tensor.Dense, root int, name string) (*tensor.Dense, error) {
	return engine.Run(ctx, o.Session, engine.NewOp("broadcast/"+name, func(ctx context.Context) (*tensor.Dense, error) {
		comm, err := o.comm()
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, errors.Errorf("Broadcast(%q) called with a nil value", name)
		}
		return comm.Broadcast(ctx, value, root, name)
	}))
}
