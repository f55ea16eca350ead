// Package rpc is the wire protocol between the coordinator and its clients: the messages, the
// gRPC service description and their protobuf encoding.
//
// Messages are plain structs converted to and from the dynamic messages of the proto package at
// the edge, and travel through grpc's default protobuf codec.
package rpc

import (
	"context"

	"github.com/Ian2x/gradsync/collective"
	pb "github.com/Ian2x/gradsync/proto"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Status of a communicator.
type Status string

const (
	// StatusInProgress means some members didn't join yet.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusSuccess means every member joined and no collective failed.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed means a collective operation failed, for instance with mismatched shapes.
	StatusFailed Status = "FAILED"
)

func (s Status) value() protoreflect.Value {
	var number protoreflect.EnumNumber
	if v := pb.Status.Values().ByName(protoreflect.Name(s)); v != nil {
		number = v.Number()
	}
	return protoreflect.ValueOfEnum(number)
}

func statusOf(v protoreflect.Value) (Status, error) {
	ev := pb.Status.Values().ByNumber(v.Enum())
	if ev == nil {
		return "", errors.Errorf("unknown communicator status %d", v.Enum())
	}
	return Status(ev.Name()), nil
}

// message is implemented by the pointers to the request and response structs.
type message interface {
	descriptor() protoreflect.MessageDescriptor
	toProto(m protoreflect.Message)
	fromProto(m protoreflect.Message) error
}

// protoMessage constrains a type parameter to *T implementing message.
type protoMessage[T any] interface {
	*T
	message
}

// ToProto converts msg, one of the request or response structs, to its protobuf message.
func ToProto(msg message) *dynamicpb.Message {
	m := pb.New(msg.descriptor())
	msg.toProto(m)
	return m
}

// FromProto fills msg from its protobuf message.
func FromProto(m protoreflect.Message, msg message) error {
	if m.Descriptor().FullName() != msg.descriptor().FullName() {
		return errors.Errorf("expected a %s message, got %s", msg.descriptor().FullName(), m.Descriptor().FullName())
	}
	return msg.fromProto(m)
}

func int64Value(v int) protoreflect.Value { return protoreflect.ValueOfInt64(int64(v)) }

type CommInitRequest struct {
	// Key identifies the group: every member calls CommInit with the same key and size, and
	// gets the same communicator.
	Key  string
	Size int
}

func (*CommInitRequest) descriptor() protoreflect.MessageDescriptor { return pb.CommInitRequest }

func (r *CommInitRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "key", protoreflect.ValueOfString(r.Key))
	pb.Set(m, "size", int64Value(r.Size))
}

func (r *CommInitRequest) fromProto(m protoreflect.Message) error {
	r.Key = pb.Get(m, "key").String()
	r.Size = int(pb.Get(m, "size").Int())
	return nil
}

type CommInitResponse struct {
	CommID uint64
	Size   int
}

func (*CommInitResponse) descriptor() protoreflect.MessageDescriptor { return pb.CommInitResponse }

func (r *CommInitResponse) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
	pb.Set(m, "size", int64Value(r.Size))
}

func (r *CommInitResponse) fromProto(m protoreflect.Message) error {
	r.CommID = pb.Get(m, "comm_id").Uint()
	r.Size = int(pb.Get(m, "size").Int())
	return nil
}

type JoinRequest struct {
	CommID uint64
	Rank   int
}

func (*JoinRequest) descriptor() protoreflect.MessageDescriptor { return pb.JoinRequest }

func (r *JoinRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
	pb.Set(m, "rank", int64Value(r.Rank))
}

func (r *JoinRequest) fromProto(m protoreflect.Message) error {
	r.CommID = pb.Get(m, "comm_id").Uint()
	r.Rank = int(pb.Get(m, "rank").Int())
	return nil
}

type JoinResponse struct {
	Status Status
}

func (*JoinResponse) descriptor() protoreflect.MessageDescriptor { return pb.JoinResponse }

func (r *JoinResponse) toProto(m protoreflect.Message) {
	pb.Set(m, "status", r.Status.value())
}

func (r *JoinResponse) fromProto(m protoreflect.Message) (err error) {
	r.Status, err = statusOf(pb.Get(m, "status"))
	return err
}

type HeartbeatRequest struct {
	CommID uint64
	Rank   int
}

func (*HeartbeatRequest) descriptor() protoreflect.MessageDescriptor { return pb.HeartbeatRequest }

func (r *HeartbeatRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
	pb.Set(m, "rank", int64Value(r.Rank))
}

func (r *HeartbeatRequest) fromProto(m protoreflect.Message) error {
	r.CommID = pb.Get(m, "comm_id").Uint()
	r.Rank = int(pb.Get(m, "rank").Int())
	return nil
}

type HeartbeatResponse struct {
	Status Status
}

func (*HeartbeatResponse) descriptor() protoreflect.MessageDescriptor { return pb.HeartbeatResponse }

func (r *HeartbeatResponse) toProto(m protoreflect.Message) {
	pb.Set(m, "status", r.Status.value())
}

func (r *HeartbeatResponse) fromProto(m protoreflect.Message) (err error) {
	r.Status, err = statusOf(pb.Get(m, "status"))
	return err
}

// CollectiveRequest is one member's contribution to a collective operation.
type CollectiveRequest struct {
	CommID uint64
	Rank   int
	Name   string
	Op     string // Allreduce only.
	Root   int    // Broadcast only.
	Tensor *collective.WireTensor
}

func (*CollectiveRequest) descriptor() protoreflect.MessageDescriptor { return pb.CollectiveRequest }

func (r *CollectiveRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
	pb.Set(m, "rank", int64Value(r.Rank))
	pb.Set(m, "name", protoreflect.ValueOfString(r.Name))
	pb.Set(m, "op", protoreflect.ValueOfString(r.Op))
	pb.Set(m, "root", int64Value(r.Root))
	if r.Tensor != nil {
		pb.Set(m, "tensor", protoreflect.ValueOfMessage(r.Tensor.ToProto()))
	}
}

func (r *CollectiveRequest) fromProto(m protoreflect.Message) (err error) {
	r.CommID = pb.Get(m, "comm_id").Uint()
	r.Rank = int(pb.Get(m, "rank").Int())
	r.Name = pb.Get(m, "name").String()
	r.Op = pb.Get(m, "op").String()
	r.Root = int(pb.Get(m, "root").Int())
	r.Tensor, err = tensorField(m)
	return err
}

type CollectiveResponse struct {
	Tensor *collective.WireTensor
}

func (*CollectiveResponse) descriptor() protoreflect.MessageDescriptor { return pb.CollectiveResponse }

func (r *CollectiveResponse) toProto(m protoreflect.Message) {
	if r.Tensor != nil {
		pb.Set(m, "tensor", protoreflect.ValueOfMessage(r.Tensor.ToProto()))
	}
}

func (r *CollectiveResponse) fromProto(m protoreflect.Message) (err error) {
	r.Tensor, err = tensorField(m)
	return err
}

// tensorField returns the "tensor" field of m, nil if unset.
func tensorField(m protoreflect.Message) (*collective.WireTensor, error) {
	if !pb.Has(m, "tensor") {
		return nil, nil
	}
	return collective.WireTensorFromProto(pb.Get(m, "tensor").Message())
}

type GetCommStatusRequest struct {
	CommID uint64
}

func (*GetCommStatusRequest) descriptor() protoreflect.MessageDescriptor {
	return pb.GetCommStatusRequest
}

func (r *GetCommStatusRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
}

func (r *GetCommStatusRequest) fromProto(m protoreflect.Message) error {
	r.CommID = pb.Get(m, "comm_id").Uint()
	return nil
}

type GetCommStatusResponse struct {
	Status Status
	Size   int

	// Joined and Live list the ranks that joined, and those that sent a heartbeat recently.
	Joined []int
	Live   []int

	// Pending is the number of collective operations waiting for members.
	Pending int
}

func (*GetCommStatusResponse) descriptor() protoreflect.MessageDescriptor {
	return pb.GetCommStatusResponse
}

func (r *GetCommStatusResponse) toProto(m protoreflect.Message) {
	pb.Set(m, "status", r.Status.value())
	pb.Set(m, "size", int64Value(r.Size))
	pb.SetInts(m, "joined", r.Joined)
	pb.SetInts(m, "live", r.Live)
	pb.Set(m, "pending", int64Value(r.Pending))
}

func (r *GetCommStatusResponse) fromProto(m protoreflect.Message) (err error) {
	if r.Status, err = statusOf(pb.Get(m, "status")); err != nil {
		return err
	}
	r.Size = int(pb.Get(m, "size").Int())
	r.Joined = pb.GetInts(m, "joined")
	r.Live = pb.GetInts(m, "live")
	r.Pending = int(pb.Get(m, "pending").Int())
	return nil
}

type CommDestroyRequest struct {
	CommID uint64
	Rank   int
}

func (*CommDestroyRequest) descriptor() protoreflect.MessageDescriptor { return pb.CommDestroyRequest }

func (r *CommDestroyRequest) toProto(m protoreflect.Message) {
	pb.Set(m, "comm_id", protoreflect.ValueOfUint64(r.CommID))
	pb.Set(m, "rank", int64Value(r.Rank))
}

func (r *CommDestroyRequest) fromProto(m protoreflect.Message) error {
	r.CommID = pb.Get(m, "comm_id").Uint()
	r.Rank = int(pb.Get(m, "rank").Int())
	return nil
}

type CommDestroyResponse struct {
	Success bool
}

func (*CommDestroyResponse) descriptor() protoreflect.MessageDescriptor {
	return pb.CommDestroyResponse
}

func (r *CommDestroyResponse) toProto(m protoreflect.Message) {
	pb.Set(m, "success", protoreflect.ValueOfBool(r.Success))
}

func (r *CommDestroyResponse) fromProto(m protoreflect.Message) error {
	r.Success = pb.Get(m, "success").Bool()
	return nil
}

// CoordinatorServer is the server API of the Coordinator service.
type CoordinatorServer interface {
	CommInit(context.Context, *CommInitRequest) (*CommInitResponse, error)
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Allreduce(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	Allgather(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	Broadcast(context.Context, *CollectiveRequest) (*CollectiveResponse, error)
	GetCommStatus(context.Context, *GetCommStatusRequest) (*GetCommStatusResponse, error)
	CommDestroy(context.Context, *CommDestroyRequest) (*CommDestroyResponse, error)
}

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gradsync.Coordinator"

func unary[Req, Resp any, PReq protoMessage[Req], PResp protoMessage[Resp]](method string,
	call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			wire := pb.New(PReq(in).descriptor())
			if err := dec(wire); err != nil {
				return nil, err
			}
			if err := PReq(in).fromProto(wire); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(CoordinatorServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				if out == nil {
					return nil, status.Errorf(codes.Internal, "%s returned no response", method)
				}
				return ToProto(PResp(out)), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the Coordinator service to grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CommInit", CoordinatorServer.CommInit),
		unary("Join", CoordinatorServer.Join),
		unary("Heartbeat", CoordinatorServer.Heartbeat),
		unary("Allreduce", CoordinatorServer.Allreduce),
		unary("Allgather", CoordinatorServer.Allgather),
		unary("Broadcast", CoordinatorServer.Broadcast),
		unary("GetCommStatus", CoordinatorServer.GetCommStatus),
		unary("CommDestroy", CoordinatorServer.CommDestroy),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gradsync/gradsync.proto",
}

// RegisterCoordinatorServer registers srv with s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// CoordinatorClient is the client API of the Coordinator service.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient creates a client over cc.
func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func invoke[Resp any, PResp protoMessage[Resp]](ctx context.Context, cc grpc.ClientConnInterface, method string,
	in message, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	reply := pb.New(PResp(out).descriptor())
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, ToProto(in), reply, opts...); err != nil {
		return nil, err
	}
	if err := PResp(out).fromProto(reply); err != nil {
		return nil, errors.WithMessagef(err, "invalid %s response", method)
	}
	return out, nil
}

func (c *CoordinatorClient) CommInit(ctx context.Context, in *CommInitRequest, opts ...grpc.CallOption) (*CommInitResponse, error) {
	return invoke[CommInitResponse](ctx, c.cc, "CommInit", in, opts)
}

func (c *CoordinatorClient) Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error) {
	return invoke[JoinResponse](ctx, c.cc, "Join", in, opts)
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, "Heartbeat", in, opts)
}

func (c *CoordinatorClient) Allreduce(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return invoke[CollectiveResponse](ctx, c.cc, "Allreduce", in, opts)
}

func (c *CoordinatorClient) Allgather(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return invoke[CollectiveResponse](ctx, c.cc, "Allgather", in, opts)
}

func (c *CoordinatorClient) Broadcast(ctx context.Context, in *CollectiveRequest, opts ...grpc.CallOption) (*CollectiveResponse, error) {
	return invoke[CollectiveResponse](ctx, c.cc, "Broadcast", in, opts)
}

func (c *CoordinatorClient) GetCommStatus(ctx context.Context, in *GetCommStatusRequest, opts ...grpc.CallOption) (*GetCommStatusResponse, error) {
	return invoke[GetCommStatusResponse](ctx, c.cc, "GetCommStatus", in, opts)
}

func (c *CoordinatorClient) CommDestroy(ctx context.Context, in *CommDestroyRequest, opts ...grpc.CallOption) (*CommDestroyResponse, error) {
	return invoke[CommDestroyResponse](ctx, c.cc, "CommDestroy", in, opts)
}
