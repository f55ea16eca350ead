// Package compression implements the transforms applied to dense values before they are
// transmitted in a collective operation.
package compression

import (
	"strings"

	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
)

// Compressor transforms a tensor before transmission and restores it afterwards.
type Compressor interface {
	// Name identifies the scheme, e.g. in configuration files.
	Name() string

	// Compress returns the tensor to transmit and the context needed by Decompress.
	Compress(t *tensor.Dense) (*tensor.Dense, tensor.DType)

	// Decompress restores the original dtype.
	Decompress(t *tensor.Dense, original tensor.DType) *tensor.Dense
}

// None is the identity compressor.
var None Compressor = noneCompressor{}

// FP16 rounds values to half precision, halving the bytes sent over the wire.
var FP16 Compressor = fp16Compressor{}

type noneCompressor struct{}

func (noneCompressor) Name() string { return "none" }

func (noneCompressor) Compress(t *tensor.Dense) (*tensor.Dense, tensor.DType) { return t, t.DType }

func (noneCompressor) Decompress(t *tensor.Dense, _ tensor.DType) *tensor.Dense { return t }

type fp16Compressor struct{}

func (fp16Compressor) Name() string { return "fp16" }

func (fp16Compressor) Compress(t *tensor.Dense) (*tensor.Dense, tensor.DType) {
	if t.DType == tensor.Float16 {
		return t, t.DType
	}
	return &tensor.Dense{Shape: t.Shape, Data: util.RoundToFloat16(t.Data), DType: tensor.Float16}, t.DType
}

func (fp16Compressor) Decompress(t *tensor.Dense, original tensor.DType) *tensor.Dense {
	if t.DType == original {
		return t
	}
	out := t.Clone()
	out.DType = original
	return out
}

// ByName returns the compressor for a configuration value ("", "none" or "fp16").
func ByName(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "fp16", "float16":
		return FP16, nil
	}
	return nil, errors.Errorf("unknown compression %q, valid values are \"none\" and \"fp16\"", name)
}
