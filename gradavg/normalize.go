package gradavg

import (
	"github.com/Ian2x/gradsync/tensor"
)

// Normalize returns g with a densified copy of its value if it is sparse and sparseAsDense is set.
// Absent and dense values, and sparse values without sparseAsDense, are returned unchanged.
// The input value is never modified.
func Normalize(g tensor.Gradient, sparseAsDense bool) tensor.Gradient {
	if !sparseAsDense || g.Value == nil || !g.Value.IsSparse() {
		return g
	}
	g.Value = tensor.ToDense(g.Value)
	return g
}
