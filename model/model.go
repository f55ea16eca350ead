// Package model persists trained models: their parameters and the configuration of their optimizer.
//
// Files are YAML; since YAML is a superset of JSON, JSON model files load as well.
package model

import (
	"os"
	"slices"
	"strings"

	"github.com/Ian2x/gradsync/optimizer"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// ErrUnknownObject is matched (with errors.Is) by the error returned when a model file references
// an optimizer that can't be constructed.
var ErrUnknownObject = errors.New("unknown object")

// UnknownObjectError names the object that couldn't be resolved.
type UnknownObjectError struct {
	Kind string
	Name string
}

func (e *UnknownObjectError) Error() string {
	return "Unknown " + e.Kind + ": " + e.Name
}

// Is makes errors.Is(err, ErrUnknownObject) true.
func (e *UnknownObjectError) Is(target error) bool { return target == ErrUnknownObject }

// Objects maps class names to the factories used to rebuild the stored optimizer.
// They take precedence over the built-in optimizers.
type Objects map[string]optimizer.Factory

// ParameterRecord is the persisted form of an optimizer.Parameter.
type ParameterRecord struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Shape     []int     `yaml:"shape,flow"`
	Data      []float64 `yaml:"data,flow"`
	Trainable bool      `yaml:"trainable"`
}

// OptimizerRecord is the persisted form of an optimizer.
type OptimizerRecord struct {
	ClassName string           `yaml:"class_name"`
	Config    optimizer.Config `yaml:"config"`
}

// File is the content of a model file.
type File struct {
	Name       string            `yaml:"name"`
	Parameters []ParameterRecord `yaml:"parameters"`
	Optimizer  *OptimizerRecord  `yaml:"optimizer,omitempty"`
}

// Model is a loaded model.
type Model struct {
	Name       string
	Parameters []*optimizer.Parameter

	// Optimizer is nil if the model was saved without one.
	Optimizer optimizer.Optimizer
}

// Encode returns the persisted form of m.
func (m *Model) Encode() *File {
	f := &File{Name: m.Name, Parameters: make([]ParameterRecord, 0, len(m.Parameters))}
	for _, p := range m.Parameters {
		f.Parameters = append(f.Parameters, ParameterRecord{
			ID:        p.ID,
			Name:      p.Name,
			Shape:     slices.Clone(p.Value.Shape),
			Data:      slices.Clone(p.Value.Data),
			Trainable: p.Trainable,
		})
	}
	if m.Optimizer != nil {
		f.Optimizer = &OptimizerRecord{ClassName: m.Optimizer.ClassName(), Config: m.Optimizer.GetConfig()}
	}
	return f
}

// Save writes m to path.
func Save(path string, m *Model) error {
	data, err := yaml.Marshal(m.Encode())
	if err != nil {
		return errors.Wrapf(err, "failed to encode model %q", m.Name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save model to %q", path)
	}
	return nil
}

// Load reads the model at path and rebuilds its optimizer.
//
// The stored class name is resolved as follows: if its lower-cased form names a built-in optimizer
// it is lower-cased; then it is looked up in objects, and finally in the built-in optimizers.
func Load(path string, objects Objects) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model file %q", path)
	}
	m := &Model{Name: f.Name, Parameters: make([]*optimizer.Parameter, 0, len(f.Parameters))}
	for i, rec := range f.Parameters {
		value, err := tensor.NewDense(rec.Shape, rec.Data)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter #%d (%q) of %q", i, rec.ID, path)
		}
		m.Parameters = append(m.Parameters, &optimizer.Parameter{
			ID:        rec.ID,
			Name:      rec.Name,
			Value:     value,
			Trainable: rec.Trainable,
		})
	}
	if f.Optimizer == nil || f.Optimizer.ClassName == "" {
		return m, nil
	}
	factory, err := resolveOptimizer(f.Optimizer.ClassName, objects)
	if err != nil {
		return nil, err
	}
	m.Optimizer, err = factory(f.Optimizer.Config)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to rebuild optimizer %q of %q", f.Optimizer.ClassName, path)
	}
	klog.V(1).Infof("loaded model %q: %d parameters, optimizer %s", m.Name, len(m.Parameters), m.Optimizer.ClassName())
	return m, nil
}

func resolveOptimizer(className string, objects Objects) (optimizer.Factory, error) {
	name := className
	lower := strings.ToLower(className)
	builtins := make(map[string]optimizer.Factory)
	for _, kind := range optimizer.Builtins() {
		builtins[strings.ToLower(kind.ClassName)] = kind.New
	}
	if _, found := builtins[lower]; found {
		name = lower
	}
	if factory, found := objects[name]; found && factory != nil {
		return factory, nil
	}
	if factory, found := builtins[name]; found {
		return factory, nil
	}
	return nil, errors.WithStack(&UnknownObjectError{Kind: "optimizer", Name: className})
}
