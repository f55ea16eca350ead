package proto

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestDescriptors(t *testing.T) {
	assert.Equal(t, protoreflect.FullName("gradsync.Coordinator"), Coordinator.FullName())
	assert.Equal(t, 14, File.Messages().Len())
	assert.Equal(t, protoreflect.Name("FAILED"), Status.Values().ByNumber(2).Name())
	assert.Equal(t, Tensor, CollectiveRequest.Fields().ByName("tensor").Message())
	for i := range Coordinator.Methods().Len() {
		m := Coordinator.Methods().Get(i)
		assert.NotNil(t, m.Input(), m.Name())
		assert.NotNil(t, m.Output(), m.Name())
	}
}

func TestFields(t *testing.T) {
	m := New(Tensor)
	SetInts(m, "shape", []int{3, 1})
	Set(m, "data", protoreflect.ValueOfBytes([]byte{1, 2}))
	assert.False(t, Has(m, "dtype"))

	decoded := must.M1(Unmarshal(Tensor, must.M1(Marshal(m))))
	assert.Equal(t, []int{3, 1}, GetInts(decoded, "shape"))
	assert.Equal(t, []byte{1, 2}, Get(decoded, "data").Bytes())

	_, err := Unmarshal(Tensor, []byte{0xff})
	require.Error(t, err)
	assert.Panics(t, func() { Get(m, "missing") })
}
