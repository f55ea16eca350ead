package optimizer

import (
	"context"
	"testing"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParams() []*Parameter {
	return []*Parameter{
		{ID: "w", Name: "dense/kernel", Value: tensor.FromSlice(1, 2), Trainable: true},
		{ID: "b", Name: "dense/bias", Value: tensor.FromSlice(0), Trainable: true},
	}
}

// constantLoss returns the same gradients at every step.
func constantLoss(values ...tensor.Value) Loss {
	return LossFn(func(_ context.Context, params []*Parameter) ([]tensor.Gradient, error) {
		grads := make([]tensor.Gradient, len(params))
		for i := range params {
			grads[i] = tensor.Gradient{Name: params[i].Name + "_grad:0", Value: values[i]}
		}
		return grads, nil
	})
}

func TestSGD(t *testing.T) {
	opt := must.M1(NewSGD(Config{"lr": 0.5}))
	params := newParams()
	loss := constantLoss(tensor.FromSlice(1, -1), tensor.FromSlice(2))
	require.NoError(t, Minimize(context.Background(), opt, loss, params))
	assert.Equal(t, []float64{0.5, 2.5}, params[0].Value.Data)
	assert.Equal(t, []float64{-1}, params[1].Value.Data)
}

func TestSGDMomentum(t *testing.T) {
	opt := must.M1(NewSGD(Config{"lr": 1, "momentum": 0.5}))
	params := newParams()[1:]
	loss := constantLoss(tensor.FromSlice(1))
	require.NoError(t, Minimize(context.Background(), opt, loss, params))
	assert.InDelta(t, -1.0, params[0].Value.Data[0], 1e-9)
	// Second step: v = 0.5*(-1) - 1 = -1.5.
	require.NoError(t, Minimize(context.Background(), opt, loss, params))
	assert.InDelta(t, -2.5, params[0].Value.Data[0], 1e-9)
}

func TestAdamFirstStep(t *testing.T) {
	opt := must.M1(NewAdam(Config{"lr": 0.1}))
	params := newParams()[1:]
	params[0].Value.Data[0] = 1
	require.NoError(t, Minimize(context.Background(), opt, constantLoss(tensor.FromSlice(2)), params))
	// The first bias corrected Adam step is lr * sign(g).
	assert.InDelta(t, 0.9, params[0].Value.Data[0], 1e-5)
}

func TestEveryBuiltinDescends(t *testing.T) {
	for _, kind := range Builtins() {
		t.Run(kind.ClassName, func(t *testing.T) {
			opt, err := kind.New(Config{})
			require.NoError(t, err)
			assert.Equal(t, kind.ClassName, opt.ClassName())
			params := newParams()
			before := params[0].Value.Clone()
			for range 3 {
				require.NoError(t, Minimize(context.Background(), opt, constantLoss(tensor.FromSlice(1, 1), nil), params))
			}
			for i := range before.Data {
				assert.Less(t, params[0].Value.Data[i], before.Data[i], "parameter must move against the gradient")
			}
			assert.Equal(t, []float64{0}, params[1].Value.Data, "nil gradient must leave the parameter untouched")
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	opt := must.M1(NewAdam(Config{"lr": 0.01, "beta_1": 0.8, "amsgrad": true}))
	cfg := opt.GetConfig()
	assert.Equal(t, 0.01, cfg["lr"])
	assert.Equal(t, 0.8, cfg["beta_1"])
	assert.Equal(t, 0.999, cfg["beta_2"])
	assert.Equal(t, true, cfg["amsgrad"])

	again := must.M1(NewAdam(cfg))
	assert.Equal(t, cfg, again.GetConfig())
}

func TestConfigWeakTyping(t *testing.T) {
	// Integers and strings as found in hand written YAML files.
	opt := must.M1(NewSGD(Config{"learning_rate": 1, "momentum": "0.5", "nesterov": "true"}))
	cfg := opt.GetConfig()
	assert.Equal(t, 1.0, cfg["lr"])
	assert.Equal(t, 0.5, cfg["momentum"])
	assert.Equal(t, true, cfg["nesterov"])

	_, err := NewSGD(Config{"lr": "fast"})
	require.Error(t, err)
}

func TestByName(t *testing.T) {
	opt, err := ByName("adam", nil)
	require.NoError(t, err)
	assert.Equal(t, "Adam", opt.ClassName())
	opt, err = ByName("RMSPROP", nil)
	require.NoError(t, err)
	assert.Equal(t, "RMSprop", opt.ClassName())
	_, err = ByName("lamb", nil)
	require.ErrorContains(t, err, "unknown optimizer")
}

func TestSparseGradient(t *testing.T) {
	opt := must.M1(NewSGD(Config{"lr": 1}))
	params := []*Parameter{{ID: "emb", Value: tensor.Zeros(3, 2), Trainable: true}}
	values := must.M1(tensor.NewDense([]int{2, 2}, []float64{1, 1, 2, 2}))
	grad := must.M1(tensor.NewSparse([]int{2, 2}, values, []int{3, 2}))
	require.NoError(t, Minimize(context.Background(), opt, constantLoss(grad), params))
	assert.Equal(t, []float64{0, 0, 0, 0, -3, -3}, params[0].Value.Data)
}

func TestApplyGradientsValidation(t *testing.T) {
	opt := must.M1(NewSGD(nil))
	params := newParams()
	require.Error(t, opt.ApplyGradients([]tensor.Gradient{{}}, params))
	require.Error(t, opt.ApplyGradients([]tensor.Gradient{
		{ParameterID: "b", Value: tensor.FromSlice(1)},
		{ParameterID: "w", Value: tensor.FromSlice(1, 1)},
	}, params))
	require.Error(t, opt.ApplyGradients([]tensor.Gradient{
		{ParameterID: "w", Value: tensor.FromSlice(1)},
		{},
	}, params))
}

func TestComputeGradientsCountMismatch(t *testing.T) {
	loss := LossFn(func(context.Context, []*Parameter) ([]tensor.Gradient, error) {
		return []tensor.Gradient{{}}, nil
	})
	_, err := ComputeGradients(context.Background(), loss, newParams())
	require.Error(t, err)
}
