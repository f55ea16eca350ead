package gradavg

import (
	"context"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/Ian2x/gradsync/optimizer"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DistributedOptimizer wraps an optimizer so that its gradients are averaged across the group
// before being applied.
//
// It reports the class name of the optimizer it wraps, so models saved with it load with the
// plain optimizer, and LoadModel restores the wrapper.
type DistributedOptimizer struct {
	base  optimizer.Optimizer
	group *collective.Group

	name          string
	deviceDense   string
	deviceSparse  string
	compression   compression.Compressor
	sparseAsDense bool
	average       bool
	baseConfig    optimizer.Config
	metrics       *metrics.Metrics

	reducer *Reducer
}

var _ optimizer.Optimizer = (*DistributedOptimizer)(nil)

// Option configures a DistributedOptimizer.
type Option func(d *DistributedOptimizer)

// WithName sets the display name, used to scope the collective identities of the gradients.
// The default is "Distributed" followed by the base class name.
func WithName(name string) Option {
	return func(d *DistributedOptimizer) { d.name = name }
}

// WithDeviceDense sets the placement hint for dense gradients.
func WithDeviceDense(device string) Option {
	return func(d *DistributedOptimizer) { d.deviceDense = device }
}

// WithDeviceSparse sets the placement hint for sparse gradients.
func WithDeviceSparse(device string) Option {
	return func(d *DistributedOptimizer) { d.deviceSparse = device }
}

// WithCompression sets the compression applied to dense gradients. Default is compression.None.
func WithCompression(c compression.Compressor) Option {
	return func(d *DistributedOptimizer) { d.compression = c }
}

// WithSparseAsDense densifies sparse gradients before reducing them.
func WithSparseAsDense(sparseAsDense bool) Option {
	return func(d *DistributedOptimizer) { d.sparseAsDense = sparseAsDense }
}

// WithAverage selects between averaging (the default) and summing the gradients.
func WithAverage(average bool) Option {
	return func(d *DistributedOptimizer) { d.average = average }
}

// WithMetrics records reduction metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *DistributedOptimizer) { d.metrics = m }
}

// NewDistributedOptimizer wraps base. A nil group is a single process group.
func NewDistributedOptimizer(base optimizer.Optimizer, group *collective.Group, opts ...Option) *DistributedOptimizer {
	if group == nil {
		group = collective.SingleProcess()
	}
	d := &DistributedOptimizer{
		base:        base,
		group:       group,
		compression: compression.None,
		average:     true,
		baseConfig:  base.GetConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name == "" {
		d.name = "Distributed" + base.ClassName()
	}
	if d.compression == nil {
		d.compression = compression.None
	}
	d.reducer = NewReducer(ReducerConfig{
		Scope:         d.name + "_Allreduce",
		DeviceDense:   d.deviceDense,
		DeviceSparse:  d.deviceSparse,
		Compression:   d.compression,
		SparseAsDense: d.sparseAsDense,
		Average:       d.average,
		Metrics:       d.metrics,
	})
	return d
}

// Name returns the display name.
func (d *DistributedOptimizer) Name() string { return d.name }

// Base returns the wrapped optimizer.
func (d *DistributedOptimizer) Base() optimizer.Optimizer { return d.base }

// BaseConfig returns the configuration of the base optimizer when it was wrapped.
func (d *DistributedOptimizer) BaseConfig() optimizer.Config { return d.baseConfig }

// ClassName returns the base class name.
func (d *DistributedOptimizer) ClassName() string { return d.base.ClassName() }

// GetGradients computes the base optimizer's gradients and reduces them across the group.
// In a single process group they are returned as computed.
func (d *DistributedOptimizer) GetGradients(ctx context.Context, loss optimizer.Loss, params []*optimizer.Parameter) ([]tensor.Gradient, error) {
	grads, err := d.base.GetGradients(ctx, loss, params)
	if err != nil {
		return nil, err
	}
	comm, err := d.group.Comm()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", d.name)
	}
	if comm.Size() == 1 {
		return grads, nil
	}
	klog.V(1).Infof("%s: reducing %d gradients across %d processes", d.name, len(grads), comm.Size())
	return d.reducer.Reduce(ctx, comm, grads)
}

// ApplyGradients delegates to the base optimizer.
func (d *DistributedOptimizer) ApplyGradients(grads []tensor.Gradient, params []*optimizer.Parameter) error {
	return d.base.ApplyGradients(grads, params)
}

// GetConfig delegates to the base optimizer.
func (d *DistributedOptimizer) GetConfig() optimizer.Config { return d.base.GetConfig() }

// Wrapper returns a function turning optimizer factories into factories of DistributedOptimizers
// bound to group. Used with LoadModel.
func Wrapper(group *collective.Group, opts ...Option) func(optimizer.Factory) optimizer.Factory {
	return func(factory optimizer.Factory) optimizer.Factory {
		return func(cfg optimizer.Config) (optimizer.Optimizer, error) {
			base, err := factory(cfg)
			if err != nil {
				return nil, err
			}
			return NewDistributedOptimizer(base, group, opts...), nil
		}
	}
}
