package gradavg

import (
	"testing"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func sparseGrad() tensor.Gradient {
	values := must.M1(tensor.NewDense([]int{2, 2}, []float64{1, 2, 3, 4}))
	return tensor.Gradient{
		ParameterID: "emb",
		Name:        "emb_grad:0",
		Value:       must.M1(tensor.NewSparse([]int{2, 0}, values, []int{3, 2})),
	}
}

func TestNormalize(t *testing.T) {
	none := tensor.Gradient{ParameterID: "p"}
	assert.Equal(t, none, Normalize(none, true))
	assert.Equal(t, none, Normalize(none, false))

	dense := tensor.Gradient{ParameterID: "w", Value: tensor.FromSlice(1, 2)}
	assert.Same(t, dense.Value, Normalize(dense, true).Value)

	sparse := sparseGrad()
	assert.Same(t, sparse.Value, Normalize(sparse, false).Value)

	densified := Normalize(sparse, true)
	assert.Equal(t, "emb", densified.ParameterID)
	assert.Equal(t, "emb_grad:0", densified.Name)
	d, ok := densified.Value.(*tensor.Dense)
	assert.True(t, ok)
	assert.Equal(t, []int{3, 2}, d.Shape)
	assert.Equal(t, []float64{3, 4, 0, 0, 1, 2}, d.Data)
	assert.True(t, sparse.Value.IsSparse(), "input must not be modified")
}
