package reply

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReplyServer is the server API for the Reply gRPC service.
//
//	Send Struct{channel_id, kind, text, details} -> Empty
type ReplyServer interface {
	Send(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// UnimplementedReplyServer can be embedded to have forward compatible implementations.
type UnimplementedReplyServer struct{}

func (UnimplementedReplyServer) Send(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Send not implemented")
}

// RegisterReplyServer registers the Reply service on a gRPC server.
func RegisterReplyServer(s grpc.ServiceRegistrar, srv ReplyServer) {
	s.RegisterService(&Reply_ServiceDesc, srv)
}

// ReplyClient is the client API for the Reply gRPC service.
type ReplyClient interface {
	Send(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type replyClient struct{ cc grpc.ClientConnInterface }

func NewReplyClient(cc grpc.ClientConnInterface) ReplyClient { return &replyClient{cc: cc} }

func (c *replyClient) Send(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	err := c.cc.Invoke(ctx, "/beavergrid.reply.v1.Reply/Send", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Reply_Send_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplyServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/beavergrid.reply.v1.Reply/Send"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplyServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Reply_ServiceDesc is the grpc.ServiceDesc for Reply service.
var Reply_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "beavergrid.reply.v1.Reply",
	HandlerType: (*ReplyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: _Reply_Send_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reply.proto",
}
