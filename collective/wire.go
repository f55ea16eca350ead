package collective

import (
	pb "github.com/Ian2x/gradsync/proto"
	"github.com/Ian2x/gradsync/tensor"
	"github.com/Ian2x/gradsync/util"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// WireTensor is the transport encoding of a dense tensor: float64 values take 8 bytes, values
// compressed to Float16 take 2.
type WireTensor struct {
	Shape []int
	DType tensor.DType
	Data  []byte
}

// ToWire encodes t.
func ToWire(t *tensor.Dense) *WireTensor {
	w := &WireTensor{Shape: t.Shape, DType: t.DType}
	if t.DType == tensor.Float16 {
		w.Data = util.Float64SliceToFloat16ByteArray(t.Data)
	} else {
		w.Data = util.Float64SliceToByteArray(t.Data)
	}
	return w
}

// FromWire decodes w, checking its size against its shape.
func FromWire(w *WireTensor) (*tensor.Dense, error) {
	if w == nil {
		return nil, errors.New("missing tensor in message")
	}
	var data []float64
	bytesPerValue := 8
	switch w.DType {
	case tensor.Float64:
		data = util.ByteArrayToFloat64Slice(w.Data)
	case tensor.Float16:
		bytesPerValue = 2
		data = util.Float16ByteArrayToFloat64Slice(w.Data)
	default:
		return nil, errors.Errorf("unsupported dtype %s in message", w.DType)
	}
	if len(w.Data) != bytesPerValue*tensor.Size(w.Shape) {
		return nil, errors.Errorf("expected %d bytes for shape %v (%s), received %d bytes",
			bytesPerValue*tensor.Size(w.Shape), w.Shape, w.DType, len(w.Data))
	}
	t, err := tensor.NewDense(w.Shape, data)
	if err != nil {
		return nil, err
	}
	t.DType = w.DType
	return t, nil
}

// ToProto returns w as a gradsync.Tensor message.
func (w *WireTensor) ToProto() *dynamicpb.Message {
	m := pb.New(pb.Tensor)
	pb.SetInts(m, "shape", w.Shape)
	pb.Set(m, "dtype", protoreflect.ValueOfEnum(protoreflect.EnumNumber(w.DType)))
	pb.Set(m, "data", protoreflect.ValueOfBytes(w.Data))
	return m
}

// WireTensorFromProto reads a gradsync.Tensor message.
func WireTensorFromProto(m protoreflect.Message) (*WireTensor, error) {
	if m.Descriptor().FullName() != pb.Tensor.FullName() {
		return nil, errors.Errorf("expected a %s message, got %s", pb.Tensor.FullName(), m.Descriptor().FullName())
	}
	return &WireTensor{
		Shape: pb.GetInts(m, "shape"),
		DType: tensor.DType(pb.Get(m, "dtype").Enum()),
		Data:  pb.Get(m, "data").Bytes(),
	}, nil
}
