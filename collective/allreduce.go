package collective

import (
	"context"

	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configure Allreduce.
type Options struct {
	// Average divides the summed result by the group size.
	Average bool

	// DeviceDense and DeviceSparse are placement hints forwarded to the transport for dense and
	// sparse values respectively. Empty means the transport's default.
	DeviceDense, DeviceSparse string

	// Compression applied to dense values before transmission. Nil means compression.None.
	Compression compression.Compressor
}

// Allreduce reduces value across the group, supporting both dense and sparse values.
//
// Dense values are compressed, summed with AllreduceDense and decompressed.
// Sparse values are allgathered: the result holds every member's rows and indices, and rows
// combine when densified.
// With opts.Average the result is divided by the group size.
func Allreduce(ctx context.Context, comm Communicator, value tensor.Value, name string, opts Options) (tensor.Value, error) {
	switch v := value.(type) {
	case *tensor.Dense:
		if v == nil {
			return nil, errors.Errorf("Allreduce(%q) called with a nil value", name)
		}
		return allreduceDense(ctx, comm, v, name, opts)
	case *tensor.Sparse:
		if v == nil || v.Values == nil {
			return nil, errors.Errorf("Allreduce(%q) called with a nil value", name)
		}
		return allreduceSparse(ctx, comm, v, name, opts)
	case nil:
		return nil, errors.Errorf("Allreduce(%q) called with a nil value", name)
	default:
		return nil, errors.Errorf("Allreduce(%q) called with unsupported value type %T", name, value)
	}
}

func allreduceDense(ctx context.Context, comm Communicator, t *tensor.Dense, name string, opts Options) (*tensor.Dense, error) {
	compressor := opts.Compression
	if compressor == nil {
		compressor = compression.None
	}
	if opts.DeviceDense != "" {
		klog.V(2).Infof("allreduce %q on device %q", name, opts.DeviceDense)
	}
	compressed, dtype := compressor.Compress(t)
	summed, err := comm.AllreduceDense(ctx, compressed, name, Sum)
	if err != nil {
		return nil, err
	}
	out := compressor.Decompress(summed, dtype)
	if opts.Average {
		out = &tensor.Dense{
			Shape: out.Shape,
			Data:  util.ScaleFloat64Slice(out.Data, 1.0/float64(comm.Size())),
			DType: out.DType,
		}
	}
	return out, nil
}

func allreduceSparse(ctx context.Context, comm Communicator, s *tensor.Sparse, name string, opts Options) (*tensor.Sparse, error) {
	if opts.DeviceSparse != "" {
		klog.V(2).Infof("allgather %q on device %q", name, opts.DeviceSparse)
	}
	values, err := comm.Allgather(ctx, s.Values, name+"/values")
	if err != nil {
		return nil, err
	}
	indices := make([]float64, len(s.Indices))
	for i, idx := range s.Indices {
		indices[i] = float64(idx)
	}
	gatheredIndices, err := comm.Allgather(ctx, tensor.FromSlice(indices...), name+"/indices")
	if err != nil {
		return nil, err
	}
	if opts.Average {
		values.Data = util.ScaleFloat64Slice(values.Data, 1.0/float64(comm.Size()))
	}
	outIndices := make([]int, len(gatheredIndices.Data))
	for i, idx := range gatheredIndices.Data {
		outIndices[i] = int(idx)
	}
	out, err := tensor.NewSparse(outIndices, values, s.Shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "Allreduce(%q) gathered inconsistent sparse slices", name)
	}
	return out, nil
}
