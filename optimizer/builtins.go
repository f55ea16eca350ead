package optimizer

import (
	"math"
	"slices"
	"strings"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
)

// Builtins lists every built-in optimizer type, in a fixed order.
//
// Their class names and hyperparameter names follow the common Keras conventions, so configurations
// persisted by other tools load as is.
func Builtins() []Kind {
	return []Kind{
		{ClassName: "SGD", New: NewSGD},
		{ClassName: "RMSprop", New: NewRMSprop},
		{ClassName: "Adagrad", New: NewAdagrad},
		{ClassName: "Adadelta", New: NewAdadelta},
		{ClassName: "Adam", New: NewAdam},
		{ClassName: "Adamax", New: NewAdamax},
		{ClassName: "Nadam", New: NewNadam},
	}
}

// ByName creates a built-in optimizer from its class name, case-insensitive.
func ByName(name string, cfg Config) (Optimizer, error) {
	var valid []string
	for _, kind := range Builtins() {
		if strings.EqualFold(kind.ClassName, name) {
			return kind.New(cfg)
		}
		valid = append(valid, strings.ToLower(kind.ClassName))
	}
	slices.Sort(valid)
	return nil, errors.Errorf("unknown optimizer %q, valid values are %v", name, valid)
}

// SGDConfig are the hyperparameters of SGD.
type SGDConfig struct {
	LR       float64 `mapstructure:"lr"`
	Momentum float64 `mapstructure:"momentum"`
	Decay    float64 `mapstructure:"decay"`
	Nesterov bool    `mapstructure:"nesterov"`
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum.
type SGD struct {
	base
	hp SGDConfig
}

// NewSGD creates an SGD optimizer. Default learning rate is 0.01.
func NewSGD(cfg Config) (Optimizer, error) {
	opt := &SGD{base: newBase("SGD"), hp: SGDConfig{LR: 0.01}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *SGD) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *SGD) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		moments := o.slot("momentum", p)
		for i := range g {
			v := o.hp.Momentum*moments[i] - lr*g[i]
			moments[i] = v
			if o.hp.Nesterov {
				p.Value.Data[i] += o.hp.Momentum*v - lr*g[i]
			} else {
				p.Value.Data[i] += v
			}
		}
	})
}

// RMSpropConfig are the hyperparameters of RMSprop.
type RMSpropConfig struct {
	LR      float64 `mapstructure:"lr"`
	Rho     float64 `mapstructure:"rho"`
	Epsilon float64 `mapstructure:"epsilon"`
	Decay   float64 `mapstructure:"decay"`
}

// RMSprop divides the step by a moving average of the squared gradients.
type RMSprop struct {
	base
	hp RMSpropConfig
}

// NewRMSprop creates an RMSprop optimizer. Default learning rate is 0.001.
func NewRMSprop(cfg Config) (Optimizer, error) {
	opt := &RMSprop{base: newBase("RMSprop"), hp: RMSpropConfig{LR: 0.001, Rho: 0.9, Epsilon: 1e-7}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *RMSprop) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *RMSprop) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		acc := o.slot("accumulator", p)
		for i := range g {
			acc[i] = o.hp.Rho*acc[i] + (1-o.hp.Rho)*square(g[i])
			p.Value.Data[i] -= lr * g[i] / (math.Sqrt(acc[i]) + o.hp.Epsilon)
		}
	})
}

// AdagradConfig are the hyperparameters of Adagrad.
type AdagradConfig struct {
	LR      float64 `mapstructure:"lr"`
	Epsilon float64 `mapstructure:"epsilon"`
	Decay   float64 `mapstructure:"decay"`
}

// Adagrad scales the step by the inverse root of the sum of all past squared gradients.
type Adagrad struct {
	base
	hp AdagradConfig
}

// NewAdagrad creates an Adagrad optimizer. Default learning rate is 0.01.
func NewAdagrad(cfg Config) (Optimizer, error) {
	opt := &Adagrad{base: newBase("Adagrad"), hp: AdagradConfig{LR: 0.01, Epsilon: 1e-7}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *Adagrad) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *Adagrad) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		acc := o.slot("accumulator", p)
		for i := range g {
			acc[i] += square(g[i])
			p.Value.Data[i] -= lr * g[i] / (math.Sqrt(acc[i]) + o.hp.Epsilon)
		}
	})
}

// AdadeltaConfig are the hyperparameters of Adadelta.
type AdadeltaConfig struct {
	LR      float64 `mapstructure:"lr"`
	Rho     float64 `mapstructure:"rho"`
	Epsilon float64 `mapstructure:"epsilon"`
	Decay   float64 `mapstructure:"decay"`
}

// Adadelta adapts the step from moving windows of gradient and update magnitudes.
type Adadelta struct {
	base
	hp AdadeltaConfig
}

// NewAdadelta creates an Adadelta optimizer. Default learning rate is 1.0.
func NewAdadelta(cfg Config) (Optimizer, error) {
	opt := &Adadelta{base: newBase("Adadelta"), hp: AdadeltaConfig{LR: 1.0, Rho: 0.95, Epsilon: 1e-7}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *Adadelta) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *Adadelta) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		acc := o.slot("accumulator", p)
		deltaAcc := o.slot("delta_accumulator", p)
		for i := range g {
			acc[i] = o.hp.Rho*acc[i] + (1-o.hp.Rho)*square(g[i])
			update := g[i] * math.Sqrt(deltaAcc[i]+o.hp.Epsilon) / math.Sqrt(acc[i]+o.hp.Epsilon)
			p.Value.Data[i] -= lr * update
			deltaAcc[i] = o.hp.Rho*deltaAcc[i] + (1-o.hp.Rho)*square(update)
		}
	})
}
