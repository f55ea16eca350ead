package gradavg

import (
	"context"
	"testing"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/optimizer"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoParams() []*optimizer.Parameter {
	return []*optimizer.Parameter{
		{ID: "w", Name: "dense/kernel", Value: tensor.FromSlice(0, 0), Trainable: true},
		{ID: "b", Name: "dense/bias", Value: tensor.FromSlice(0), Trainable: true},
	}
}

// rankLoss produces gradients depending on the rank: w gets [r+1, 2(r+1)], b gets [r].
func rankLoss(rank int) optimizer.Loss {
	r := float64(rank)
	return optimizer.LossFn(func(_ context.Context, params []*optimizer.Parameter) ([]tensor.Gradient, error) {
		return []tensor.Gradient{
			{Name: "dense/kernel/grad:0", Value: tensor.FromSlice(r+1, 2*(r+1))},
			{Name: "dense/bias/grad:0", Value: tensor.FromSlice(r)},
		}, nil
	})
}

func TestDistributedOptimizerDelegates(t *testing.T) {
	base := must.M1(optimizer.NewAdam(optimizer.Config{"lr": 0.01}))
	d := NewDistributedOptimizer(base, nil, WithDeviceDense("/gpu:0"), WithCompression(compression.FP16))
	assert.Equal(t, "DistributedAdam", d.Name())
	assert.Equal(t, "Adam", d.ClassName())
	assert.Equal(t, base.GetConfig(), d.GetConfig())
	assert.Equal(t, base.GetConfig(), d.BaseConfig())
	assert.Same(t, base, d.Base())

	d = NewDistributedOptimizer(base, nil, WithName("Averaged"))
	assert.Equal(t, "Averaged", d.Name())
	assert.Equal(t, "Adam", d.ClassName())
}

func TestDistributedOptimizerSingleProcess(t *testing.T) {
	plain := twoParams()
	require.NoError(t, optimizer.Minimize(context.Background(), must.M1(optimizer.NewSGD(optimizer.Config{"lr": 0.5})), rankLoss(2), plain))

	wrapped := twoParams()
	d := NewDistributedOptimizer(must.M1(optimizer.NewSGD(optimizer.Config{"lr": 0.5})), collective.SingleProcess())
	grads, err := d.GetGradients(context.Background(), rankLoss(2), wrapped)
	require.NoError(t, err)
	assert.Equal(t, "dense/kernel/grad:0", grads[0].Name, "gradients are returned as computed")
	require.NoError(t, d.ApplyGradients(grads, wrapped))

	for i := range plain {
		assert.Equal(t, plain[i].Value.Data, wrapped[i].Value.Data)
	}
}

func TestDistributedOptimizerAveragesAcrossProcesses(t *testing.T) {
	for _, average := range []bool{true, false} {
		final := make([][]*optimizer.Parameter, 3)
		runProcesses(t, 3, func(ctx context.Context, group *collective.Group) error {
			rank := must.M1(group.Rank())
			params := twoParams()
			final[rank] = params
			base, err := optimizer.NewSGD(optimizer.Config{"lr": 1})
			if err != nil {
				return err
			}
			d := NewDistributedOptimizer(base, group, WithAverage(average))
			return optimizer.Minimize(ctx, d, rankLoss(rank), params)
		})
		// Gradients of w are [1,2], [2,4] and [3,6]; of b 0, 1 and 2.
		wantW, wantB := []float64{-2, -4}, []float64{-1}
		if !average {
			wantW, wantB = []float64{-6, -12}, []float64{-3}
		}
		for rank, params := range final {
			assert.Equal(t, wantW, params[0].Value.Data, "average=%v rank=%d", average, rank)
			assert.Equal(t, wantB, params[1].Value.Data, "average=%v rank=%d", average, rank)
		}
	}
}

func TestDistributedOptimizerGroupFailure(t *testing.T) {
	errDial := errors.New("no coordinator")
	group := collective.NewGroup(func() (collective.Communicator, error) { return nil, errDial })
	d := NewDistributedOptimizer(must.M1(optimizer.NewSGD(nil)), group)
	_, err := d.GetGradients(context.Background(), rankLoss(0), twoParams())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDial))
}

func TestWrapper(t *testing.T) {
	wrap := Wrapper(collective.SingleProcess(), WithSparseAsDense(true))
	opt, err := wrap(optimizer.NewRMSprop)(optimizer.Config{"lr": 0.1})
	require.NoError(t, err)
	d, ok := opt.(*DistributedOptimizer)
	require.True(t, ok)
	assert.Equal(t, "RMSprop", d.ClassName())
	assert.Equal(t, 0.1, d.GetConfig()["lr"])

	_, err = wrap(optimizer.NewRMSprop)(optimizer.Config{"lr": "fast"})
	require.Error(t, err)
}
