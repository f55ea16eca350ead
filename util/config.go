package util

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the content of the config file shared by the coordinator and the workers.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// MetricsAddr is where the coordinator serves /metrics. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// HeartbeatTimeout after which the coordinator stops reporting a worker as live.
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`

	Group    GroupConfig    `yaml:"group"`
	Redis    RedisConfig    `yaml:"redis"`
	Training TrainingConfig `yaml:"training"`
}

// GroupConfig describes the communication group the workers form.
type GroupConfig struct {
	// Key names the group, so that several jobs can share a coordinator or a Redis server.
	Key  string `yaml:"key"`
	Size int    `yaml:"size"`

	// Transport is "grpc" (through the coordinator) or "redis".
	Transport string `yaml:"transport"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Prefix       string        `yaml:"prefix"`
	PollInterval time.Duration `yaml:"pollInterval"`

	// Session identifies one launch of the job, e.g. a timestamp shared by every worker, so that
	// rounds left behind by a crashed launch are never mixed in. TTL expires them regardless.
	Session string        `yaml:"session"`
	TTL     time.Duration `yaml:"ttl"`
}

// OptimizerConfig selects the optimizer wrapped by the workers.
type OptimizerConfig struct {
	ClassName string         `yaml:"class_name"`
	Config    map[string]any `yaml:"config"`
}

type TrainingConfig struct {
	Steps         int             `yaml:"steps"`
	Samples       int             `yaml:"samples"`
	Optimizer     OptimizerConfig `yaml:"optimizer"`
	Compression   string          `yaml:"compression"`
	SparseAsDense bool            `yaml:"sparseAsDense"`
	Sum           bool            `yaml:"sum"`

	// ModelPath is where rank 0 saves the trained model. ResumeFrom, if set, is loaded instead
	// of initializing a new model.
	ModelPath  string `yaml:"modelPath"`
	ResumeFrom string `yaml:"resumeFrom"`
}

// DefaultConfig returns the configuration used for the fields missing in the config file.
func DefaultConfig() *Config {
	return &Config{
		Coordinator:      CoordinatorConfig{IPAddress: "localhost", Port: 8082},
		HeartbeatTimeout: 5 * time.Second,
		Group:            GroupConfig{Key: "default", Size: 1, Transport: "grpc"},
		Redis:            RedisConfig{Addr: "localhost:6379", Prefix: "gradsync:"},
		Training: TrainingConfig{
			Steps:     100,
			Samples:   64,
			Optimizer: OptimizerConfig{ClassName: "SGD"},
		},
	}
}

// ReadConfig reads a YAML (or JSON) config file on top of DefaultConfig.
func ReadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if config.Group.Size <= 0 {
		return nil, errors.Errorf("config file %q: group size must be > 0, got %d", path, config.Group.Size)
	}
	return config, nil
}
