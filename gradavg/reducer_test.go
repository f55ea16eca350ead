package gradavg

import (
	"context"
	"testing"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceSingleProcessIsIdentity(t *testing.T) {
	comm := &recordingComm{size: 1}
	grads := []tensor.Gradient{
		{ParameterID: "w", Name: "bn/Identity_3:0", Value: tensor.FromSlice(1, 2)},
		{ParameterID: "b"},
		sparseGrad(),
	}
	r := NewReducer(ReducerConfig{Scope: "DistributedSGD_Allreduce", SparseAsDense: true, Average: true})
	out, err := r.Reduce(context.Background(), comm, grads)
	require.NoError(t, err)
	assert.Equal(t, grads, out)
	assert.Same(t, &grads[0], &out[0])
	assert.Empty(t, comm.calls)
}

func TestReduceNamesAndOrder(t *testing.T) {
	comm := &recordingComm{size: 2}
	grads := []tensor.Gradient{
		{ParameterID: "gamma", Name: "bn/Identity_7:0", Value: tensor.FromSlice(1)},
		{ParameterID: "unused", Name: "unused_grad:0"},
		{ParameterID: "beta", Name: "bn/Identity_2:0", Value: tensor.FromSlice(2, 3)},
		{ParameterID: "kernel", Value: tensor.FromSlice(4)},
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewReducer(ReducerConfig{Scope: "opt_Allreduce", Average: false, Metrics: m})
	out, err := r.Reduce(context.Background(), comm, grads)
	require.NoError(t, err)
	require.Len(t, out, len(grads))

	assert.Equal(t, []string{
		"allreduce opt_Allreduce/bn/Identity_1:0",
		"allreduce opt_Allreduce/bn/Identity:0",
		"allreduce opt_Allreduce/kernel",
	}, comm.calls)

	for i := range grads {
		assert.Equal(t, grads[i].ParameterID, out[i].ParameterID)
	}
	assert.Equal(t, "opt_Allreduce/bn/Identity_1:0", out[0].Name)
	assert.Equal(t, []float64{2}, out[0].Value.(*tensor.Dense).Data, "summed over 2 processes")
	assert.Nil(t, out[1].Value)
	assert.Equal(t, "unused_grad:0", out[1].Name)
	assert.Equal(t, []float64{4, 6}, out[2].Value.(*tensor.Dense).Data)
	assert.Equal(t, "opt_Allreduce/kernel", out[3].Name)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.GradientsReduced.WithLabelValues("dense")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GradientsReduced.WithLabelValues("none")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReduceDuration))
}

func TestReduceSparse(t *testing.T) {
	for _, sparseAsDense := range []bool{false, true} {
		comm := &recordingComm{size: 2}
		r := NewReducer(ReducerConfig{Scope: "s", SparseAsDense: sparseAsDense, Average: true})
		out, err := r.Reduce(context.Background(), comm, []tensor.Gradient{sparseGrad()})
		require.NoError(t, err)
		dense := tensor.ToDense(out[0].Value)
		assert.Equal(t, []float64{3, 4, 0, 0, 1, 2}, dense.Data, "sparseAsDense=%v", sparseAsDense)
		if sparseAsDense {
			assert.False(t, out[0].Value.IsSparse())
			assert.Equal(t, []string{"allreduce s/emb_grad:0"}, comm.calls)
		} else {
			assert.True(t, out[0].Value.IsSparse())
			assert.Equal(t, []string{"allgather s/emb_grad:0/values", "allgather s/emb_grad:0/indices"}, comm.calls)
		}
	}
}

func TestReduceCompressed(t *testing.T) {
	comm := &recordingComm{size: 2}
	r := NewReducer(ReducerConfig{Compression: compression.FP16, Average: true})
	out, err := r.Reduce(context.Background(), comm, []tensor.Gradient{{Name: "g", Value: tensor.FromSlice(0.1)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"allreduce g"}, comm.calls, "empty scope uses the bare name")
	d := out[0].Value.(*tensor.Dense)
	assert.Equal(t, tensor.Float64, d.DType)
	assert.InDelta(t, 0.1, d.Data[0], 1e-4)
}

func TestReduceFailure(t *testing.T) {
	comm := &recordingComm{size: 3, fail: true}
	r := NewReducer(ReducerConfig{Scope: "s"})
	_, err := r.Reduce(context.Background(), comm, []tensor.Gradient{
		{ParameterID: "w", Name: "w:0", Value: tensor.FromSlice(1)},
		{ParameterID: "b", Name: "b:0", Value: tensor.FromSlice(1)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnreachable))
	assert.ErrorContains(t, err, `"s/w:0"`)
	assert.Len(t, comm.calls, 1, "no retry and no further collectives after a failure")
}

func TestReduceThreeProcesses(t *testing.T) {
	// Each process contributes rank-dependent values, with identity names numbered differently.
	names := [][]string{
		{"bn/Identity:0", "bn/Identity_1:0"},
		{"bn/Identity_4:0", "bn/Identity_6:0"},
		{"bn/Identity_2:0", "bn/Identity_3:0"},
	}
	results := make([][]tensor.Gradient, 3)
	runProcesses(t, 3, func(ctx context.Context, group *collective.Group) error {
		comm := must.M1(group.Comm())
		rank := comm.Rank()
		r := float64(rank)
		grads := []tensor.Gradient{
			{ParameterID: "gamma", Name: names[rank][0], Value: tensor.FromSlice(r)},
			{ParameterID: "beta", Name: names[rank][1], Value: tensor.FromSlice(10*r, 1)},
			{ParameterID: "frozen"},
		}
		out, err := NewReducer(ReducerConfig{Scope: "DistributedSGD_Allreduce", Average: true}).Reduce(ctx, comm, grads)
		results[rank] = out
		return err
	})
	for rank, out := range results {
		require.Len(t, out, 3)
		assert.Equal(t, []float64{1}, out[0].Value.(*tensor.Dense).Data, "rank %d", rank)
		assert.Equal(t, []float64{10, 1}, out[1].Value.(*tensor.Dense).Data, "rank %d", rank)
		assert.Nil(t, out[2].Value)
		assert.Equal(t, results[0][0].Name, out[0].Name)
	}
}
