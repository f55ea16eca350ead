package gradavg

import (
	"context"
	"fmt"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReducerConfig configures a Reducer.
type ReducerConfig struct {
	// Scope prefixes every collective identity: "<Scope>/<resolved name>".
	Scope string

	// DeviceDense and DeviceSparse are placement hints forwarded to the transport.
	DeviceDense, DeviceSparse string

	// Compression applied to dense gradients. Nil means compression.None.
	Compression compression.Compressor

	// SparseAsDense densifies sparse gradients before reducing them.
	SparseAsDense bool

	// Average divides the reduced gradients by the group size. Otherwise they are summed.
	Average bool

	// Marker used by the name Resolver. Defaults to DefaultMarker.
	Marker string

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Reducer reduces the gradients of one optimization step across the group.
type Reducer struct {
	cfg      ReducerConfig
	resolver Resolver
}

// NewReducer creates a Reducer.
func NewReducer(cfg ReducerConfig) *Reducer {
	return &Reducer{cfg: cfg, resolver: Resolver{Marker: cfg.Marker}}
}

// Identity returns the collective identity used for a gradient with the given resolved name.
func (r *Reducer) Identity(name string) string {
	if r.cfg.Scope == "" {
		return name
	}
	return r.cfg.Scope + "/" + name
}

// Reduce allreduces every gradient with comm and returns the results in the same order.
//
// With a group of size 1 grads is returned as is. Otherwise absent gradients stay absent, and
// every other output entry keeps its ParameterID, carries the reduced value, and is named after
// the collective identity it was reduced under. The first collective failure is returned.
func (r *Reducer) Reduce(ctx context.Context, comm collective.Communicator, grads []tensor.Gradient) ([]tensor.Gradient, error) {
	if comm.Size() == 1 {
		return grads, nil
	}
	start := time.Now()
	names := r.resolver.ResolveNames(grads)
	opts := collective.Options{
		Average:      r.cfg.Average,
		DeviceDense:  r.cfg.DeviceDense,
		DeviceSparse: r.cfg.DeviceSparse,
		Compression:  r.cfg.Compression,
	}
	reduced := make([]tensor.Gradient, len(grads))
	for i, g := range grads {
		reduced[i].ParameterID = g.ParameterID
		reduced[i].Name = g.Name
		if g.Value == nil {
			r.cfg.Metrics.CountGradient("none")
			continue
		}
		name := names[i]
		if name == "" {
			name = g.ParameterID
		}
		if name == "" {
			name = fmt.Sprintf("gradient_%d", i)
		}
		identity := r.Identity(name)
		g = Normalize(g, r.cfg.SparseAsDense)
		klog.V(1).Infof("allreduce tensor=%s", identity)
		value, err := collective.Allreduce(ctx, comm, g.Value, identity, opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to reduce gradient %q (parameter %q)", identity, g.ParameterID)
		}
		if value.IsSparse() {
			r.cfg.Metrics.CountGradient("sparse")
		} else {
			r.cfg.Metrics.CountGradient("dense")
		}
		reduced[i].Name = identity
		reduced[i].Value = value
	}
	r.cfg.Metrics.ObserveReduce(time.Since(start).Seconds())
	return reduced, nil
}
