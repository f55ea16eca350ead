// Package proto describes the gradsync wire messages.
//
// The descriptors are built at init from descriptorpb, and messages are handled as dynamicpb
// messages, so no code generation is involved. The layout is the following .proto file:
//
//	syntax = "proto3";
//	package gradsync;
//
//	enum Status { IN_PROGRESS = 0; SUCCESS = 1; FAILED = 2; }
//	enum DType { FLOAT64 = 0; FLOAT16 = 1; }
//
//	message Tensor { repeated int64 shape = 1; DType dtype = 2; bytes data = 3; }
//	message Contribution { string kind = 1; Tensor tensor = 2; }
//	message CommInitRequest { string key = 1; int64 size = 2; }
//	message CommInitResponse { uint64 comm_id = 1; int64 size = 2; }
//	message JoinRequest { uint64 comm_id = 1; int64 rank = 2; }
//	message JoinResponse { Status status = 1; }
//	message HeartbeatRequest { uint64 comm_id = 1; int64 rank = 2; }
//	message HeartbeatResponse { Status status = 1; }
//	message CollectiveRequest {
//	  uint64 comm_id = 1; int64 rank = 2; string name = 3; string op = 4; int64 root = 5; Tensor tensor = 6;
//	}
//	message CollectiveResponse { Tensor tensor = 1; }
//	message GetCommStatusRequest { uint64 comm_id = 1; }
//	message GetCommStatusResponse {
//	  Status status = 1; int64 size = 2; repeated int64 joined = 3; repeated int64 live = 4; int64 pending = 5;
//	}
//	message CommDestroyRequest { uint64 comm_id = 1; int64 rank = 2; }
//	message CommDestroyResponse { bool success = 1; }
//
//	service Coordinator {
//	  rpc CommInit(CommInitRequest) returns (CommInitResponse);
//	  rpc Join(JoinRequest) returns (JoinResponse);
//	  rpc Heartbeat(HeartbeatRequest) returns (HeartbeatResponse);
//	  rpc Allreduce(CollectiveRequest) returns (CollectiveResponse);
//	  rpc Allgather(CollectiveRequest) returns (CollectiveResponse);
//	  rpc Broadcast(CollectiveRequest) returns (CollectiveResponse);
//	  rpc GetCommStatus(GetCommStatusRequest) returns (GetCommStatusResponse);
//	  rpc CommDestroy(CommDestroyRequest) returns (CommDestroyResponse);
//	}
package proto

import (
	"fmt"

	protobuf "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Package is the protobuf package of every message.
const Package = "gradsync"

// File is the descriptor of the gradsync wire protocol.
var File protoreflect.FileDescriptor

var (
	Status protoreflect.EnumDescriptor
	DType  protoreflect.EnumDescriptor

	Tensor                protoreflect.MessageDescriptor
	Contribution          protoreflect.MessageDescriptor
	CommInitRequest       protoreflect.MessageDescriptor
	CommInitResponse      protoreflect.MessageDescriptor
	JoinRequest           protoreflect.MessageDescriptor
	JoinResponse          protoreflect.MessageDescriptor
	HeartbeatRequest      protoreflect.MessageDescriptor
	HeartbeatResponse     protoreflect.MessageDescriptor
	CollectiveRequest     protoreflect.MessageDescriptor
	CollectiveResponse    protoreflect.MessageDescriptor
	GetCommStatusRequest  protoreflect.MessageDescriptor
	GetCommStatusResponse protoreflect.MessageDescriptor
	CommDestroyRequest    protoreflect.MessageDescriptor
	CommDestroyResponse   protoreflect.MessageDescriptor

	Coordinator protoreflect.ServiceDescriptor
)

func init() {
	var err error
	File, err = protodesc.NewFile(fileProto(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("invalid gradsync wire descriptor: %v", err))
	}
	Status = File.Enums().ByName("Status")
	DType = File.Enums().ByName("DType")
	for _, m := range []struct {
		desc *protoreflect.MessageDescriptor
		name protoreflect.Name
	}{
		{&Tensor, "Tensor"},
		{&Contribution, "Contribution"},
		{&CommInitRequest, "CommInitRequest"},
		{&CommInitResponse, "CommInitResponse"},
		{&JoinRequest, "JoinRequest"},
		{&JoinResponse, "JoinResponse"},
		{&HeartbeatRequest, "HeartbeatRequest"},
		{&HeartbeatResponse, "HeartbeatResponse"},
		{&CollectiveRequest, "CollectiveRequest"},
		{&CollectiveResponse, "CollectiveResponse"},
		{&GetCommStatusRequest, "GetCommStatusRequest"},
		{&GetCommStatusResponse, "GetCommStatusResponse"},
		{&CommDestroyRequest, "CommDestroyRequest"},
		{&CommDestroyResponse, "CommDestroyResponse"},
	} {
		*m.desc = File.Messages().ByName(m.name)
	}
	Coordinator = File.Services().ByName("Coordinator")
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   protobuf.String(name),
		Number: protobuf.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

// typed is a message or enum field of the given type, declared in this file.
func typed(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := field(name, number, typ)
	f.TypeName = protobuf.String("." + Package + "." + typeName)
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: protobuf.String(name), Field: fields}
}

func enum(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: protobuf.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   protobuf.String(v),
			Number: protobuf.Int32(int32(i)),
		})
	}
	return e
}

func method(name, input, output string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       protobuf.String(name),
		InputType:  protobuf.String("." + Package + "." + input),
		OutputType: protobuf.String("." + Package + "." + output),
	}
}

func fileProto() *descriptorpb.FileDescriptorProto {
	const (
		str     = descriptorpb.FieldDescriptorProto_TYPE_STRING
		i64     = descriptorpb.FieldDescriptorProto_TYPE_INT64
		u64     = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		boolean = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		bytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		msg     = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
		enm     = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	)
	commID := func() *descriptorpb.FieldDescriptorProto { return field("comm_id", 1, u64) }
	return &descriptorpb.FileDescriptorProto{
		Name:    protobuf.String("gradsync/gradsync.proto"),
		Package: protobuf.String(Package),
		Syntax:  protobuf.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("Status", "IN_PROGRESS", "SUCCESS", "FAILED"),
			enum("DType", "FLOAT64", "FLOAT16"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			message("Tensor", repeated(field("shape", 1, i64)), typed("dtype", 2, enm, "DType"), field("data", 3, bytes)),
			message("Contribution", field("kind", 1, str), typed("tensor", 2, msg, "Tensor")),
			message("CommInitRequest", field("key", 1, str), field("size", 2, i64)),
			message("CommInitResponse", commID(), field("size", 2, i64)),
			message("JoinRequest", commID(), field("rank", 2, i64)),
			message("JoinResponse", typed("status", 1, enm, "Status")),
			message("HeartbeatRequest", commID(), field("rank", 2, i64)),
			message("HeartbeatResponse", typed("status", 1, enm, "Status")),
			message("CollectiveRequest", commID(), field("rank", 2, i64), field("name", 3, str), field("op", 4, str),
				field("root", 5, i64), typed("tensor", 6, msg, "Tensor")),
			message("CollectiveResponse", typed("tensor", 1, msg, "Tensor")),
			message("GetCommStatusRequest", commID()),
			message("GetCommStatusResponse", typed("status", 1, enm, "Status"), field("size", 2, i64),
				repeated(field("joined", 3, i64)), repeated(field("live", 4, i64)), field("pending", 5, i64)),
			message("CommDestroyRequest", commID(), field("rank", 2, i64)),
			message("CommDestroyResponse", field("success", 1, boolean)),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: protobuf.String("Coordinator"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("CommInit", "CommInitRequest", "CommInitResponse"),
				method("Join", "JoinRequest", "JoinResponse"),
				method("Heartbeat", "HeartbeatRequest", "HeartbeatResponse"),
				method("Allreduce", "CollectiveRequest", "CollectiveResponse"),
				method("Allgather", "CollectiveRequest", "CollectiveResponse"),
				method("Broadcast", "CollectiveRequest", "CollectiveResponse"),
				method("GetCommStatus", "GetCommStatusRequest", "GetCommStatusResponse"),
				method("CommDestroy", "CommDestroyRequest", "CommDestroyResponse"),
			},
		}},
	}
}

// New creates an empty message of type desc.
func New(desc protoreflect.MessageDescriptor) *dynamicpb.Message {
	return dynamicpb.NewMessage(desc)
}

// Get returns the value of the named field, or its default if unset.
func Get(m protoreflect.Message, name protoreflect.Name) protoreflect.Value {
	return m.Get(fieldByName(m, name))
}

// Has reports whether the named field is set.
func Has(m protoreflect.Message, name protoreflect.Name) bool {
	return m.Has(fieldByName(m, name))
}

// Set sets the named field.
func Set(m protoreflect.Message, name protoreflect.Name, v protoreflect.Value) {
	m.Set(fieldByName(m, name), v)
}

// SetInts sets a repeated int64 field.
func SetInts(m protoreflect.Message, name protoreflect.Name, values []int) {
	list := m.Mutable(fieldByName(m, name)).List()
	for _, v := range values {
		list.Append(protoreflect.ValueOfInt64(int64(v)))
	}
}

// GetInts returns a repeated int64 field.
func GetInts(m protoreflect.Message, name protoreflect.Name) []int {
	list := Get(m, name).List()
	values := make([]int, list.Len())
	for i := range values {
		values[i] = int(list.Get(i).Int())
	}
	return values
}

func fieldByName(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("message %s has no field %q", m.Descriptor().FullName(), name))
	}
	return fd
}

// Marshal encodes m in the protobuf binary format.
func Marshal(m protoreflect.Message) ([]byte, error) {
	return protobuf.Marshal(m.Interface())
}

// Unmarshal decodes data into a new message of type desc.
func Unmarshal(desc protoreflect.MessageDescriptor, data []byte) (*dynamicpb.Message, error) {
	m := dynamicpb.NewMessage(desc)
	if err := protobuf.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
