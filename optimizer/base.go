package optimizer

import (
	"context"
	"math"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
)

// base holds what every built-in optimizer shares: its class name, the iteration counter and the
// per-parameter slot variables (momentum, accumulators, ...).
type base struct {
	className  string
	iterations int64
	slots      map[string]map[string][]float64 // Slot name to parameter ID to values.
}

func newBase(className string) base {
	return base{className: className, slots: make(map[string]map[string][]float64)}
}

// ClassName implements Optimizer.
func (b *base) ClassName() string { return b.className }

// GetGradients implements Optimizer.
func (b *base) GetGradients(ctx context.Context, loss Loss, params []*Parameter) ([]tensor.Gradient, error) {
	return ComputeGradients(ctx, loss, params)
}

// Iterations returns the number of steps applied so far.
func (b *base) Iterations() int64 { return b.iterations }

// slot returns the named slot of a parameter, creating it zero-filled.
func (b *base) slot(name string, p *Parameter) []float64 {
	byParam, found := b.slots[name]
	if !found {
		byParam = make(map[string][]float64)
		b.slots[name] = byParam
	}
	values, found := byParam[p.ID]
	if !found || len(values) != len(p.Value.Data) {
		values = make([]float64, len(p.Value.Data))
		byParam[p.ID] = values
	}
	return values
}

// decayed applies the time based learning rate decay: lr / (1 + decay * iterations).
func (b *base) decayed(lr, decay float64) float64 {
	if decay <= 0 {
		return lr
	}
	return lr / (1 + decay*float64(b.iterations))
}

// apply calls update for every parameter with a gradient, then increments the iteration counter.
// Sparse gradients are densified.
func (b *base) apply(grads []tensor.Gradient, params []*Parameter, update func(p *Parameter, g []float64)) error {
	if len(grads) != len(params) {
		return errors.Errorf("%s: got %d gradients for %d parameters", b.className, len(grads), len(params))
	}
	for i, grad := range grads {
		p := params[i]
		if grad.ParameterID != "" && grad.ParameterID != p.ID {
			return errors.Errorf("%s: gradient #%d is for parameter %q, expected %q", b.className, i, grad.ParameterID, p.ID)
		}
		if grad.Value == nil || !p.Trainable {
			continue
		}
		g := tensor.ToDense(grad.Value)
		if len(g.Data) != len(p.Value.Data) {
			return errors.Errorf("%s: gradient for %q has shape %v, parameter has shape %v",
				b.className, p.ID, g.Shape, p.Value.Shape)
		}
		update(p, g.Data)
	}
	b.iterations++
	return nil
}

func square(x float64) float64 { return x * x }

func pow(x float64, n int64) float64 { return math.Pow(x, float64(n)) }
