package worker_lib

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/collective/local"
	"github.com/Ian2x/gradsync/gradavg"
	utl "github.com/Ian2x/gradsync/util"
	"github.com/alicebob/miniredis/v2"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func trainingConfig(steps int) *utl.TrainingConfig {
	config := utl.DefaultConfig().Training
	config.Steps = steps
	config.Samples = 32
	config.Optimizer.Config = map[string]any{"lr": 0.1}
	return &config
}

// trainAll trains one worker per group and returns their results, in rank order.
func trainAll(t *testing.T, config *utl.TrainingConfig, groups []*collective.Group) []*Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	results := make([]*Result, len(groups))
	var eg errgroup.Group
	for rank, group := range groups {
		eg.Go(func() error {
			defer func() { _ = group.Shutdown() }()
			w, err := MakeWorker(config, rank, group, nil)
			if err != nil {
				return err
			}
			results[rank], err = w.Train(ctx)
			return err
		})
	}
	require.NoError(t, eg.Wait())
	return results
}

func localGroups(t *testing.T, size int) []*collective.Group {
	members := must.M1(local.NewGroup(size))
	groups := make([]*collective.Group, size)
	for i, m := range members {
		groups[i] = collective.FromCommunicator(m)
	}
	return groups
}

func TestTrain(t *testing.T) {
	results := trainAll(t, trainingConfig(60), localGroups(t, 3))

	for _, r := range results[1:] {
		assert.Equal(t, results[0].Losses, r.Losses, "every rank sees the group mean loss")
		for i, p := range r.Parameters {
			assert.Equal(t, results[0].Parameters[i].Value.Data, p.Value.Data, "parameters stay in sync")
		}
	}
	losses := results[0].Losses
	require.Len(t, losses, 60)
	assert.Less(t, losses[len(losses)-1], losses[0]/10)
	assert.InDelta(t, targetWeights[0], results[0].Parameters[0].Value.Data[0], 0.3)
	assert.InDelta(t, targetWeights[1], results[0].Parameters[0].Value.Data[1], 0.3)
}

func TestTrainFP16(t *testing.T) {
	config := trainingConfig(20)
	config.Compression = "fp16"
	config.Optimizer.ClassName = "Adam"
	results := trainAll(t, config, localGroups(t, 2))
	assert.Equal(t, results[0].Parameters[0].Value.Data, results[1].Parameters[0].Value.Data)
	assert.Less(t, results[0].Losses[19], results[0].Losses[0])
}

func TestSaveAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linear.yaml")
	config := trainingConfig(5)
	config.Optimizer.ClassName = "RMSprop"
	config.ModelPath = path
	results := trainAll(t, config, localGroups(t, 2))

	resumed := *config
	resumed.ModelPath = ""
	resumed.ResumeFrom = path
	w, err := MakeWorker(&resumed, 1, collective.SingleProcess(), nil)
	require.NoError(t, err)
	assert.Equal(t, "RMSprop", w.Model.Optimizer.ClassName())
	assert.IsType(t, &gradavg.DistributedOptimizer{}, w.Model.Optimizer)
	for i, p := range w.Model.Parameters {
		assert.Equal(t, results[0].Parameters[i].Value.Data, p.Value.Data)
	}

	resumed.ResumeFrom = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = MakeWorker(&resumed, 0, collective.SingleProcess(), nil)
	require.Error(t, err)
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	config := utl.DefaultConfig()
	config.Group = utl.GroupConfig{Key: "job", Size: 2, Transport: "redis"}
	config.Redis.Addr = mr.Addr()
	config.Redis.PollInterval = time.Millisecond
	config.Redis.Session = "launch-1"
	config.Training = *trainingConfig(3)

	groups := make([]*collective.Group, config.Group.Size)
	for rank := range groups {
		dial, err := DialFn(context.Background(), config, rank)
		require.NoError(t, err)
		groups[rank] = collective.NewGroup(dial)
	}
	results := trainAll(t, &config.Training, groups)
	assert.Equal(t, results[0].Parameters[1].Value.Data, results[1].Parameters[1].Value.Data)
	for _, key := range mr.Keys() {
		assert.Contains(t, key, "gradsync:job:launch-1:", "rounds are namespaced by group key and session")
	}
}

func TestDialFnErrors(t *testing.T) {
	config := utl.DefaultConfig()
	config.Group.Transport = "carrier-pigeon"
	_, err := DialFn(context.Background(), config, 0)
	require.Error(t, err)

	config.Group.Transport = "redis"
	config.Redis.Addr = "127.0.0.1:1"
	dial, err := DialFn(context.Background(), config, 0)
	require.NoError(t, err)
	_, err = dial()
	require.Error(t, err)
}

func TestMakeWorkerErrors(t *testing.T) {
	config := trainingConfig(1)
	config.Compression = "zip"
	_, err := MakeWorker(config, 0, collective.SingleProcess(), nil)
	require.Error(t, err)

	config = trainingConfig(1)
	config.Optimizer.ClassName = "Lamb"
	_, err = MakeWorker(config, 0, collective.SingleProcess(), nil)
	require.Error(t, err)
}
