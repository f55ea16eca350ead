package optimizer

import (
	"math"

	"github.com/Ian2x/gradsync/tensor"
)

// AdamConfig are the hyperparameters of Adam.
type AdamConfig struct {
	LR      float64 `mapstructure:"lr"`
	Beta1   float64 `mapstructure:"beta_1"`
	Beta2   float64 `mapstructure:"beta_2"`
	Epsilon float64 `mapstructure:"epsilon"`
	Decay   float64 `mapstructure:"decay"`
	AMSGrad bool    `mapstructure:"amsgrad"`
}

// Adam keeps bias corrected moving averages of the gradient and of its square.
type Adam struct {
	base
	hp AdamConfig
}

// NewAdam creates an Adam optimizer. Default learning rate is 0.001.
func NewAdam(cfg Config) (Optimizer, error) {
	opt := &Adam{base: newBase("Adam"), hp: AdamConfig{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *Adam) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *Adam) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	t := o.iterations + 1
	lrT := lr * math.Sqrt(1-pow(o.hp.Beta2, t)) / (1 - pow(o.hp.Beta1, t))
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		m := o.slot("m", p)
		v := o.slot("v", p)
		var vHat []float64
		if o.hp.AMSGrad {
			vHat = o.slot("vhat", p)
		}
		for i := range g {
			m[i] = o.hp.Beta1*m[i] + (1-o.hp.Beta1)*g[i]
			v[i] = o.hp.Beta2*v[i] + (1-o.hp.Beta2)*square(g[i])
			denominator := v[i]
			if o.hp.AMSGrad {
				vHat[i] = math.Max(vHat[i], v[i])
				denominator = vHat[i]
			}
			p.Value.Data[i] -= lrT * m[i] / (math.Sqrt(denominator) + o.hp.Epsilon)
		}
	})
}

// AdamaxConfig are the hyperparameters of Adamax.
type AdamaxConfig struct {
	LR      float64 `mapstructure:"lr"`
	Beta1   float64 `mapstructure:"beta_1"`
	Beta2   float64 `mapstructure:"beta_2"`
	Epsilon float64 `mapstructure:"epsilon"`
	Decay   float64 `mapstructure:"decay"`
}

// Adamax is the infinity norm variant of Adam.
type Adamax struct {
	base
	hp AdamaxConfig
}

// NewAdamax creates an Adamax optimizer. Default learning rate is 0.002.
func NewAdamax(cfg Config) (Optimizer, error) {
	opt := &Adamax{base: newBase("Adamax"), hp: AdamaxConfig{LR: 0.002, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *Adamax) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *Adamax) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	lr := o.decayed(o.hp.LR, o.hp.Decay)
	lrT := lr / (1 - pow(o.hp.Beta1, o.iterations+1))
	return o.apply(grads, params, func(p *Parameter, g []float64) {
		m := o.slot("m", p)
		u := o.slot("u", p)
		for i := range g {
			m[i] = o.hp.Beta1*m[i] + (1-o.hp.Beta1)*g[i]
			u[i] = math.Max(o.hp.Beta2*u[i], math.Abs(g[i]))
			p.Value.Data[i] -= lrT * m[i] / (u[i] + o.hp.Epsilon)
		}
	})
}

// NadamConfig are the hyperparameters of Nadam.
type NadamConfig struct {
	LR            float64 `mapstructure:"lr"`
	Beta1         float64 `mapstructure:"beta_1"`
	Beta2         float64 `mapstructure:"beta_2"`
	Epsilon       float64 `mapstructure:"epsilon"`
	ScheduleDecay float64 `mapstructure:"schedule_decay"`
}

// Nadam is Adam with Nesterov momentum, using a warming momentum schedule.
type Nadam struct {
	base
	hp NadamConfig

	mSchedule float64
}

// NewNadam creates a Nadam optimizer. Default learning rate is 0.002.
func NewNadam(cfg Config) (Optimizer, error) {
	opt := &Nadam{
		base:      newBase("Nadam"),
		hp:        NadamConfig{LR: 0.002, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7, ScheduleDecay: 0.004},
		mSchedule: 1,
	}
	if err := decodeConfig(cfg, &opt.hp); err != nil {
		return nil, err
	}
	return opt, nil
}

// GetConfig implements Optimizer.
func (o *Nadam) GetConfig() Config { return encodeConfig(o.hp) }

// ApplyGradients implements Optimizer.
func (o *Nadam) ApplyGradients(grads []tensor.Gradient, params []*Parameter) error {
	t := float64(o.iterations + 1)
	momentumCacheT := o.hp.Beta1 * (1 - 0.5*math.Pow(0.96, t*o.hp.ScheduleDecay))
	momentumCacheT1 := o.hp.Beta1 * (1 - 0.5*math.Pow(0.96, (t+1)*o.hp.ScheduleDecay))
	mScheduleNew := o.mSchedule * momentumCacheT
	mScheduleNext := mScheduleNew * momentumCacheT1
	beta2Correction := 1 - math.Pow(o.hp.Beta2, t)
	err := o.apply(grads, params, func(p *Parameter, g []float64) {
		m := o.slot("m", p)
		v := o.slot("v", p)
		for i := range g {
			gPrime := g[i] / (1 - mScheduleNew)
			m[i] = o.hp.Beta1*m[i] + (1-o.hp.Beta1)*g[i]
			mPrime := m[i] / (1 - mScheduleNext)
			v[i] = o.hp.Beta2*v[i] + (1-o.hp.Beta2)*square(g[i])
			vPrime := v[i] / beta2Correction
			mBar := (1-momentumCacheT)*gPrime + momentumCacheT1*mPrime
			p.Value.Data[i] -= o.hp.LR * mBar / (math.Sqrt(vPrime) + o.hp.Epsilon)
		}
	})
	if err == nil {
		o.mSchedule = mScheduleNew
	}
	return err
}
