package tensor

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDense(t *testing.T) {
	d, err := NewDense([]int{2, 3}, make([]float64, 6))
	require.NoError(t, err)
	assert.Equal(t, 3, d.RowSize())
	assert.Equal(t, Float64, d.DType)

	_, err = NewDense([]int{2, 3}, make([]float64, 5))
	require.Error(t, err)
	_, err = NewDense([]int{-1}, nil)
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	d := FromSlice(1, 2)
	c := d.Clone()
	c.Data[0] = 10
	assert.Equal(t, 1.0, d.Data[0])

	s := must.M1(NewSparse([]int{1}, must.M1(NewDense([]int{1, 2}, []float64{3, 4})), []int{3, 2}))
	sc := s.CloneValue().(*Sparse)
	sc.Values.Data[0] = 0
	sc.Indices[0] = 2
	assert.Equal(t, []float64{3, 4}, s.Values.Data)
	assert.Equal(t, []int{1}, s.Indices)
}

func TestConcat(t *testing.T) {
	a := must.M1(NewDense([]int{1, 2}, []float64{1, 2}))
	b := must.M1(NewDense([]int{2, 2}, []float64{3, 4, 5, 6}))
	out, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, out.Data)

	_, err = Concat(a, FromSlice(1, 2, 3))
	require.Error(t, err)
	_, err = Concat()
	require.Error(t, err)
}

func TestSparse(t *testing.T) {
	values := must.M1(NewDense([]int{3, 2}, []float64{1, 1, 2, 2, 3, 3}))
	s, err := NewSparse([]int{0, 2, 0}, values, []int{4, 2})
	require.NoError(t, err)
	assert.True(t, s.IsSparse())
	assert.Equal(t, []int{4, 2}, s.DenseShape())

	dense := ToDense(s)
	assert.Equal(t, []int{4, 2}, dense.Shape)
	assert.Equal(t, []float64{4, 4, 0, 0, 2, 2, 0, 0}, dense.Data, "duplicate indices accumulate")
	assert.Same(t, values, ToDense(values))
	assert.Nil(t, ToDense(nil))

	_, err = NewSparse([]int{0, 4, 1}, values, []int{4, 2})
	require.Error(t, err, "index out of range")
	_, err = NewSparse([]int{0, 1}, values, []int{4, 2})
	require.Error(t, err, "row count mismatch")
	_, err = NewSparse([]int{0, 1, 2}, values, []int{4, 3})
	require.Error(t, err, "row shape mismatch")
}
