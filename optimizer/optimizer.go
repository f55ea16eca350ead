// Package optimizer is the host training framework's optimizer protocol: trainable parameters,
// the loss that produces their gradients, and the optimizers that apply them.
//
// Gradient computation is split from gradient application so that a wrapper can intercept the
// gradients in between: Minimize always goes through the Optimizer's own GetGradients.
package optimizer

import (
	"context"
	"fmt"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Parameter is a model variable.
type Parameter struct {
	// ID is stable and identical across processes.
	ID string

	// Name is a human readable name, also used as the collective identity when broadcasting.
	Name string

	Value     *tensor.Dense
	Trainable bool
}

// Loss computes the gradient of a scalar loss with respect to params.
// The autodiff engine behind it is outside the scope of this package.
type Loss interface {
	// Gradients returns one entry per parameter, in the order given. Entries whose parameter
	// doesn't affect the loss have a nil Value.
	Gradients(ctx context.Context, params []*Parameter) ([]tensor.Gradient, error)
}

// LossFn adapts a function to the Loss interface.
type LossFn func(ctx context.Context, params []*Parameter) ([]tensor.Gradient, error)

// Gradients implements Loss.
func (fn LossFn) Gradients(ctx context.Context, params []*Parameter) ([]tensor.Gradient, error) {
	return fn(ctx, params)
}

// Config is the serializable configuration of an optimizer: its hyperparameters.
type Config map[string]any

// Optimizer implemented by the built-in optimizers and by wrappers around them.
type Optimizer interface {
	// ClassName identifies the optimizer type in persisted models, e.g. "Adam".
	ClassName() string

	// GetGradients computes the gradients of loss for params, in params order.
	GetGradients(ctx context.Context, loss Loss, params []*Parameter) ([]tensor.Gradient, error)

	// ApplyGradients updates params in place. grads[i] must be the gradient of params[i];
	// nil gradients leave their parameter untouched.
	ApplyGradients(grads []tensor.Gradient, params []*Parameter) error

	// GetConfig returns the hyperparameters, such that the optimizer's Factory recreates an
	// equivalent (fresh) optimizer from it.
	GetConfig() Config
}

// Factory creates an optimizer from its configuration.
type Factory func(cfg Config) (Optimizer, error)

// Kind is an optimizer type: its class name and how to construct it.
type Kind struct {
	ClassName string
	New       Factory
}

// Minimize runs one training step: opt.GetGradients followed by opt.ApplyGradients.
func Minimize(ctx context.Context, opt Optimizer, loss Loss, params []*Parameter) error {
	grads, err := opt.GetGradients(ctx, loss, params)
	if err != nil {
		return err
	}
	return opt.ApplyGradients(grads, params)
}

// ComputeGradients is the default GetGradients: it asks loss for the gradients and checks that
// there is exactly one per parameter.
func ComputeGradients(ctx context.Context, loss Loss, params []*Parameter) ([]tensor.Gradient, error) {
	grads, err := loss.Gradients(ctx, params)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute gradients")
	}
	if len(grads) != len(params) {
		return nil, errors.Errorf("loss returned %d gradients for %d parameters", len(grads), len(params))
	}
	for i, g := range grads {
		if g.ParameterID == "" {
			grads[i].ParameterID = params[i].ID
		}
	}
	return grads, nil
}

// decodeConfig fills hyperparameters (pre-populated with defaults) from cfg.
// Numbers of any type are accepted, as they come from YAML or JSON files.
func decodeConfig(cfg Config, hyperparams any) error {
	if _, found := cfg["lr"]; !found {
		if lr, found := cfg["learning_rate"]; found {
			cfg = withEntry(cfg, "lr", lr)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           hyperparams,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := decoder.Decode(map[string]any(cfg)); err != nil {
		return errors.Wrapf(err, "invalid optimizer configuration %v", cfg)
	}
	return nil
}

// encodeConfig is the inverse of decodeConfig.
func encodeConfig(hyperparams any) Config {
	var m map[string]any
	if err := mapstructure.Decode(hyperparams, &m); err != nil {
		// Hyperparameters are flat structs of numbers and bools.
		panic(fmt.Sprintf("failed to encode hyperparameters %+v: %v", hyperparams, err))
	}
	return m
}

func withEntry(cfg Config, key string, value any) Config {
	out := make(Config, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out[key] = value
	return out
}
