package util

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float64SliceToByteArray converts a slice of float64 to a byte array
func Float64SliceToByteArray(floats []float64) []byte {
	bytes := make([]byte, len(floats)*8)
	for i, f := range floats {
		binary.LittleEndian.PutUint64(bytes[i*8:], math.Float64bits(f))
	}
	return bytes
}

// ByteArrayToFloat64Slice converts a byte array to a slice of float64
func ByteArrayToFloat64Slice(data []byte) []float64 {
	floats := make([]float64, len(data)/8)
	for i := 0; i < len(floats); i++ {
		bits := binary.LittleEndian.Uint64(data[i*8:])
		floats[i] = math.Float64frombits(bits)
	}
	return floats
}

// Float64SliceToFloat16ByteArray converts a slice of float64 to half precision, 2 bytes per value.
func Float64SliceToFloat16ByteArray(floats []float64) []byte {
	bytes := make([]byte, len(floats)*2)
	for i, f := range floats {
		binary.LittleEndian.PutUint16(bytes[i*2:], float16.Fromfloat32(float32(f)).Bits())
	}
	return bytes
}

// Float16ByteArrayToFloat64Slice is the inverse of Float64SliceToFloat16ByteArray.
func Float16ByteArrayToFloat64Slice(data []byte) []float64 {
	floats := make([]float64, len(data)/2)
	for i := range floats {
		bits := binary.LittleEndian.Uint16(data[i*2:])
		floats[i] = float64(float16.Frombits(bits).Float32())
	}
	return floats
}

// RoundToFloat16 rounds every value to the nearest representable half precision value.
func RoundToFloat16(floats []float64) []float64 {
	result := make([]float64, len(floats))
	for i, f := range floats {
		result[i] = float64(float16.Fromfloat32(float32(f)).Float32())
	}
	return result
}

// ReduceFn combines two equally sized slices element-wise.
type ReduceFn func(a, b []float64) ([]float64, error)

func elementWise(a, b []float64, fn func(x, y float64) float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, errors.Errorf("input slices must have the same length, got %d and %d", len(a), len(b))
	}
	result := make([]float64, len(a))
	for i := range a {
		result[i] = fn(a[i], b[i])
	}
	return result, nil
}

// AddFloat64Slices adds two float64 slices element-wise
func AddFloat64Slices(a, b []float64) ([]float64, error) {
	return elementWise(a, b, func(x, y float64) float64 { return x + y })
}

// MultiplyFloat64Slices multiplies two float64 slices element-wise
func MultiplyFloat64Slices(a, b []float64) ([]float64, error) {
	return elementWise(a, b, func(x, y float64) float64 { return x * y })
}

// MinFloat64Slices computes the element-wise minimum of two float64 slices
func MinFloat64Slices(a, b []float64) ([]float64, error) {
	return elementWise(a, b, math.Min)
}

// MaxFloat64Slices computes the element-wise maximum of two float64 slices
func MaxFloat64Slices(a, b []float64) ([]float64, error) {
	return elementWise(a, b, math.Max)
}

// ScaleFloat64Slice returns a copy of floats multiplied by factor.
func ScaleFloat64Slice(floats []float64, factor float64) []float64 {
	result := make([]float64, len(floats))
	for i, f := range floats {
		result[i] = f * factor
	}
	return result
}

type CoordinatorConfig struct {
	IPAddress string `yaml:"ipAddress" json:"ipAddress"`
	Port      uint64 `yaml:"port" json:"port"`
}

// Addr returns the dial target of the coordinator.
func (c CoordinatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.IPAddress, c.Port)
}

// RankError is an error attributed to one member of a communication group.
type RankError struct {
	Msg  string
	Rank int
	Err  error
}

// Error implements the error interface
func (e *RankError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s (Rank: %d)", e.Err, e.Msg, e.Rank)
	}
	return fmt.Sprintf("%s (Rank: %d)", e.Msg, e.Rank)
}

// Unwrap allows errors.Is to match the cause.
func (e *RankError) Unwrap() error {
	return e.Err
}

// RankErrorf creates a new RankError caused by err, which may be nil.
func RankErrorf(rank int, err error, format string, args ...any) *RankError {
	return &RankError{
		Msg:  fmt.Sprintf(format, args...),
		Rank: rank,
		Err:  err,
	}
}
