// Package tensor holds the numeric values exchanged between an optimizer and the collective layer:
// dense arrays, sparse row slices, and the per-parameter Gradient entry.
package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// DType of the values carried by a Dense tensor.
//
// Storage is always float64; Float16 marks values that were rounded to half precision
// and are encoded with 2 bytes per element on the wire.
type DType int

const (
	Float64 DType = iota
	Float16
)

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Value is either a *Dense or a *Sparse.
type Value interface {
	// IsSparse reports whether the value is a *Sparse.
	IsSparse() bool

	// DenseShape is the shape of the value once densified.
	DenseShape() []int

	// CloneValue returns a deep copy.
	CloneValue() Value
}

// Dense is a row-major, fully materialized tensor.
type Dense struct {
	Shape []int
	Data  []float64
	DType DType
}

// Size returns the number of elements of a tensor with the given shape.
func Size(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// NewDense creates a Float64 tensor, checking that data matches the shape.
func NewDense(shape []int, data []float64) (*Dense, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension in shape %v", shape)
		}
	}
	if Size(shape) != len(data) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", shape, Size(shape), len(data))
	}
	return &Dense{Shape: slices.Clone(shape), Data: data}, nil
}

// Zeros creates a Float64 tensor filled with 0.
func Zeros(shape ...int) *Dense {
	return &Dense{Shape: slices.Clone(shape), Data: make([]float64, Size(shape))}
}

// FromSlice creates a 1D tensor.
func FromSlice(data ...float64) *Dense {
	return &Dense{Shape: []int{len(data)}, Data: data}
}

// IsSparse implements Value.
func (t *Dense) IsSparse() bool { return false }

// DenseShape implements Value.
func (t *Dense) DenseShape() []int { return t.Shape }

// CloneValue implements Value.
func (t *Dense) CloneValue() Value { return t.Clone() }

// Clone returns a deep copy of the tensor.
func (t *Dense) Clone() *Dense {
	return &Dense{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data), DType: t.DType}
}

// SameShape reports whether both tensors have the same shape.
func (t *Dense) SameShape(other *Dense) bool {
	return slices.Equal(t.Shape, other.Shape)
}

// RowSize is the number of elements in one slice along the first dimension.
func (t *Dense) RowSize() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return Size(t.Shape[1:])
}

// String implements fmt.Stringer.
func (t *Dense) String() string {
	return fmt.Sprintf("Dense(%s%v: %v)", t.DType, t.Shape, t.Data)
}

// Concat concatenates tensors along the first dimension. All trailing dimensions must match.
func Concat(parts ...*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, errors.New("Concat requires at least one tensor")
	}
	first := parts[0]
	if len(first.Shape) == 0 {
		return nil, errors.New("Concat requires tensors of rank >= 1")
	}
	rows := 0
	var data []float64
	for i, part := range parts {
		if len(part.Shape) != len(first.Shape) || !slices.Equal(part.Shape[1:], first.Shape[1:]) {
			return nil, errors.Errorf("Concat: tensor #%d has shape %v, incompatible with %v", i, part.Shape, first.Shape)
		}
		rows += part.Shape[0]
		data = append(data, part.Data...)
	}
	shape := slices.Clone(first.Shape)
	shape[0] = rows
	return &Dense{Shape: shape, Data: data, DType: first.DType}, nil
}

// Sparse is the indexed-slices form of a gradient: row Values[i] belongs to row Indices[i]
// of a dense tensor of shape Shape.
type Sparse struct {
	Indices []int
	Values  *Dense
	Shape   []int
}

// NewSparse validates and creates a sparse tensor.
func NewSparse(indices []int, values *Dense, denseShape []int) (*Sparse, error) {
	if len(denseShape) == 0 {
		return nil, errors.New("sparse tensors require a dense shape of rank >= 1")
	}
	if len(values.Shape) != len(denseShape) || !slices.Equal(values.Shape[1:], denseShape[1:]) {
		return nil, errors.Errorf("sparse values shape %v incompatible with dense shape %v", values.Shape, denseShape)
	}
	if values.Shape[0] != len(indices) {
		return nil, errors.Errorf("sparse tensor has %d indices but %d rows of values", len(indices), values.Shape[0])
	}
	for _, idx := range indices {
		if idx < 0 || idx >= denseShape[0] {
			return nil, errors.Errorf("sparse index %d out of range [0, %d)", idx, denseShape[0])
		}
	}
	return &Sparse{Indices: indices, Values: values, Shape: slices.Clone(denseShape)}, nil
}

// IsSparse implements Value.
func (s *Sparse) IsSparse() bool { return true }

// DenseShape implements Value.
func (s *Sparse) DenseShape() []int { return s.Shape }

// CloneValue implements Value.
func (s *Sparse) CloneValue() Value {
	return &Sparse{Indices: slices.Clone(s.Indices), Values: s.Values.Clone(), Shape: slices.Clone(s.Shape)}
}

// String implements fmt.Stringer.
func (s *Sparse) String() string {
	return fmt.Sprintf("Sparse(%v, indices=%v, values=%v)", s.Shape, s.Indices, s.Values.Data)
}

// ToDense materializes v. Dense values are returned as is; duplicated sparse indices are summed.
func ToDense(v Value) *Dense {
	switch t := v.(type) {
	case *Dense:
		return t
	case *Sparse:
		out := Zeros(t.Shape...)
		out.DType = t.Values.DType
		rowSize := Size(t.Shape[1:])
		for i, idx := range t.Indices {
			src := t.Values.Data[i*rowSize : (i+1)*rowSize]
			dst := out.Data[idx*rowSize : (idx+1)*rowSize]
			for j := range src {
				dst[j] += src[j]
			}
		}
		return out
	default:
		return nil
	}
}

// Gradient is the gradient of one trainable parameter for one optimization step.
//
// Value is nil when the parameter received no gradient.
// Name is assigned by whatever built the gradient and is not guaranteed to be the same
// across processes.
type Gradient struct {
	ParameterID string
	Name        string
	Value       Value
}
