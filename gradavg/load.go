package gradavg

import (
	"strings"

	"github.com/Ian2x/gradsync/model"
	"github.com/Ian2x/gradsync/optimizer"
)

// Objects returns the objects LoadModel passes to model.Load: every built-in optimizer wrapped and
// keyed by its lower-cased class name, then every custom optimizer wrapped and keyed by its exact
// class name, then objects as given. Later entries override earlier ones.
func Objects(wrap func(optimizer.Factory) optimizer.Factory, custom []optimizer.Kind, objects model.Objects) model.Objects {
	out := make(model.Objects)
	for _, kind := range optimizer.Builtins() {
		out[strings.ToLower(kind.ClassName)] = wrap(kind.New)
	}
	for _, kind := range custom {
		out[kind.ClassName] = wrap(kind.New)
	}
	for name, factory := range objects {
		out[name] = factory
	}
	return out
}

// LoadModel loads a model saved with a plain or a wrapped optimizer, and restores its optimizer
// wrapped with wrap, usually Wrapper(group).
func LoadModel(path string, wrap func(optimizer.Factory) optimizer.Factory, custom []optimizer.Kind, objects model.Objects) (*model.Model, error) {
	return model.Load(path, Objects(wrap, custom, objects))
}
