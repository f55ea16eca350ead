// Package worker_lib is one training process: it joins the communication group, trains a linear
// regression model on its own data shard with a distributed optimizer, and saves the result.
package worker_lib

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/collective/redisgroup"
	"github.com/Ian2x/gradsync/compression"
	"github.com/Ian2x/gradsync/coordinator/client"
	"github.com/Ian2x/gradsync/engine"
	"github.com/Ian2x/gradsync/gradavg"
	"github.com/Ian2x/gradsync/metrics"
	"github.com/Ian2x/gradsync/model"
	"github.com/Ian2x/gradsync/optimizer"
	"github.com/Ian2x/gradsync/tensor"
	utl "github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
	backend "github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

// NumFeatures of the synthetic regression problem.
const NumFeatures = 2

// Target coefficients of the synthetic data: y = 3*x0 - 2*x1 + 0.5.
var (
	targetWeights = []float64{3, -2}
	targetBias    = 0.5
)

// DialFn returns how the worker of the given rank connects to its group.
func DialFn(ctx context.Context, config *utl.Config, rank int) (collective.DialFn, error) {
	switch config.Group.Transport {
	case "", "grpc":
		return func() (collective.Communicator, error) {
			return client.Dial(ctx, config.Coordinator.Addr(), config.Group.Key, rank, config.Group.Size)
		}, nil
	case "redis":
		return func() (collective.Communicator, error) {
			rdb := backend.NewClient(&backend.Options{Addr: config.Redis.Addr})
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				return nil, errors.Wrapf(err, "failed to connect to Redis at %q", config.Redis.Addr)
			}
			opts := []redisgroup.Option{redisgroup.WithPrefix(config.Redis.Prefix + config.Group.Key + ":")}
			if config.Redis.PollInterval > 0 {
				opts = append(opts, redisgroup.WithPollInterval(config.Redis.PollInterval))
			}
			if config.Redis.Session != "" {
				opts = append(opts, redisgroup.WithSession(config.Redis.Session))
			}
			if config.Redis.TTL > 0 {
				opts = append(opts, redisgroup.WithTTL(config.Redis.TTL))
			}
			comm, err := redisgroup.New(rdb, rank, config.Group.Size, opts...)
			if err != nil {
				_ = rdb.Close()
				return nil, err
			}
			return &redisComm{Communicator: comm, rdb: rdb}, nil
		}, nil
	default:
		return nil, errors.Errorf("unknown transport %q, valid values are grpc and redis", config.Group.Transport)
	}
}

// redisComm owns its Redis client.
type redisComm struct {
	*redisgroup.Communicator
	rdb *backend.Client
}

func (c *redisComm) Close() error {
	err := c.Communicator.Close()
	if closeErr := c.rdb.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Worker trains one replica of the model.
type Worker struct {
	config *utl.TrainingConfig
	rank   int
	group  *collective.Group
	ops    *gradavg.Ops

	Model     *model.Model
	optimizer *gradavg.DistributedOptimizer

	x [][]float64
	y []float64
}

// Result of a training run.
type Result struct {
	// Losses is the mean loss across the group, before every step.
	Losses []float64

	Parameters []*optimizer.Parameter
}

// MakeWorker creates the worker of the given rank. Its model is either loaded from
// config.ResumeFrom or initialized randomly, differently on every rank.
func MakeWorker(config *utl.TrainingConfig, rank int, group *collective.Group, m *metrics.Metrics) (*Worker, error) {
	compressor, err := compression.ByName(config.Compression)
	if err != nil {
		return nil, err
	}
	opts := []gradavg.Option{
		gradavg.WithCompression(compressor),
		gradavg.WithSparseAsDense(config.SparseAsDense),
		gradavg.WithAverage(!config.Sum),
		gradavg.WithMetrics(m),
	}
	w := &Worker{
		config: config,
		rank:   rank,
		group:  group,
		ops:    &gradavg.Ops{Group: group, Session: &engine.Session{Metrics: m}},
	}

	if config.ResumeFrom != "" {
		w.Model, err = gradavg.LoadModel(config.ResumeFrom, gradavg.Wrapper(group, opts...), nil, nil)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to resume from %q", config.ResumeFrom)
		}
		if len(w.Model.Parameters) != 2 {
			return nil, errors.Errorf("model %q has %d parameters, expected 2", config.ResumeFrom, len(w.Model.Parameters))
		}
		var ok bool
		if w.optimizer, ok = w.Model.Optimizer.(*gradavg.DistributedOptimizer); !ok {
			return nil, errors.Errorf("model %q was saved without an optimizer", config.ResumeFrom)
		}
	} else {
		base, err := optimizer.ByName(config.Optimizer.ClassName, optimizer.Config(config.Optimizer.Config))
		if err != nil {
			return nil, err
		}
		w.optimizer = gradavg.NewDistributedOptimizer(base, group, opts...)
		w.Model = &model.Model{Name: "linear", Parameters: initParameters(rank), Optimizer: w.optimizer}
	}
	w.x, w.y = shard(rank, config.Samples)
	return w, nil
}

func initParameters(rank int) []*optimizer.Parameter {
	rng := rand.New(rand.NewSource(int64(1000 + rank)))
	weights := make([]float64, NumFeatures)
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	return []*optimizer.Parameter{
		{ID: "linear/kernel", Name: "linear/kernel", Value: tensor.FromSlice(weights...), Trainable: true},
		{ID: "linear/bias", Name: "linear/bias", Value: tensor.FromSlice(0), Trainable: true},
	}
}

// shard generates the data of one rank: every rank sees a different sample of the same problem.
func shard(rank, samples int) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(int64(rank)))
	x := make([][]float64, samples)
	y := make([]float64, samples)
	for i := range x {
		x[i] = make([]float64, NumFeatures)
		y[i] = targetBias
		for j := range x[i] {
			x[i][j] = rng.Float64()*2 - 1
			y[i] += targetWeights[j] * x[i][j]
		}
		y[i] += 0.01 * rng.NormFloat64()
	}
	return x, y
}

// Gradients implements optimizer.Loss for the mean squared error on the worker's shard.
func (w *Worker) Gradients(_ context.Context, params []*optimizer.Parameter) ([]tensor.Gradient, error) {
	_, dw, db := w.evaluate(params)
	return []tensor.Gradient{
		{Name: "linear/kernel/grad:0", Value: tensor.FromSlice(dw...)},
		{Name: "linear/bias/grad:0", Value: tensor.FromSlice(db)},
	}, nil
}

func (w *Worker) evaluate(params []*optimizer.Parameter) (loss float64, dw []float64, db float64) {
	weights, bias := params[0].Value.Data, params[1].Value.Data[0]
	dw = make([]float64, len(weights))
	if len(w.x) == 0 {
		return 0, dw, 0
	}
	n := float64(len(w.x))
	for i, x := range w.x {
		pred := bias
		for j := range x {
			pred += weights[j] * x[j]
		}
		diff := pred - w.y[i]
		loss += diff * diff / n
		for j := range x {
			dw[j] += 2 * diff * x[j] / n
		}
		db += 2 * diff / n
	}
	return loss, dw, db
}

// Train synchronizes the initial parameters from rank 0, then runs the configured number of
// steps. Rank 0 saves the model if a ModelPath is configured.
func (w *Worker) Train(ctx context.Context) (*Result, error) {
	params := w.Model.Parameters
	if err := w.ops.BroadcastAllParameters(ctx, params, 0); err != nil {
		return nil, errors.WithMessage(err, "failed to synchronize initial parameters")
	}
	result := &Result{Parameters: params}
	for step := range w.config.Steps {
		localLoss, _, _ := w.evaluate(params)
		loss, err := w.ops.Allreduce(ctx, tensor.FromSlice(localLoss), fmt.Sprintf("loss_%d", step), true)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
		result.Losses = append(result.Losses, loss.Data[0])
		if step%10 == 0 {
			klog.Infof("rank %d: step %d, loss %.6f", w.rank, step, loss.Data[0])
		}
		if err := optimizer.Minimize(ctx, w.optimizer, w, params); err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
	}
	if w.rank == 0 && w.config.ModelPath != "" {
		if err := model.Save(w.config.ModelPath, w.Model); err != nil {
			return nil, err
		}
		klog.Infof("model saved to %s", w.config.ModelPath)
	}
	return result, nil
}
