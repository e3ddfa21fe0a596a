package transfer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// FileTransferServer is the server API for the FileTransfer gRPC service.
//
// Messages are protobuf well-known wrapper types, so no protoc/codegen step
// is needed:
//
//	Upload   stream BytesValue (metadata x-remote-path) -> StringValue multihash
//	Download StringValue path -> stream BytesValue (trailer x-multihash)
type FileTransferServer interface {
	Upload(FileTransfer_UploadServer) error
	Download(*wrapperspb.StringValue, FileTransfer_DownloadServer) error
}

// UnimplementedFileTransferServer can be embedded to have forward compatible implementations.
type UnimplementedFileTransferServer struct{}

func (UnimplementedFileTransferServer) Upload(FileTransfer_UploadServer) error {
	return status.Error(codes.Unimplemented, "method Upload not implemented")
}
func (UnimplementedFileTransferServer) Download(*wrapperspb.StringValue, FileTransfer_DownloadServer) error {
	return status.Error(codes.Unimplemented, "method Download not implemented")
}

// RegisterFileTransferServer registers the FileTransfer service on a gRPC server.
func RegisterFileTransferServer(s grpc.ServiceRegistrar, srv FileTransferServer) {
	s.RegisterService(&FileTransfer_ServiceDesc, srv)
}

type FileTransfer_UploadServer interface {
	SendAndClose(*wrapperspb.StringValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type fileTransferUploadServer struct{ grpc.ServerStream }

func (x *fileTransferUploadServer) SendAndClose(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *fileTransferUploadServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type FileTransfer_DownloadServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type fileTransferDownloadServer struct{ grpc.ServerStream }

func (x *fileTransferDownloadServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// FileTransferClient is the client API for the FileTransfer gRPC service.
type FileTransferClient interface {
	Upload(ctx context.Context, opts ...grpc.CallOption) (FileTransfer_UploadClient, error)
	Download(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (FileTransfer_DownloadClient, error)
}

type fileTransferClient struct{ cc grpc.ClientConnInterface }

func NewFileTransferClient(cc grpc.ClientConnInterface) FileTransferClient {
	return &fileTransferClient{cc: cc}
}

func (c *fileTransferClient) Upload(ctx context.Context, opts ...grpc.CallOption) (FileTransfer_UploadClient, error) {
	stream, err := c.cc.NewStream(ctx, &FileTransfer_ServiceDesc.Streams[0], "/beavergrid.transfer.v1.FileTransfer/Upload", opts...)
	if err != nil {
		return nil, err
	}
	return &fileTransferUploadClient{stream}, nil
}

type FileTransfer_UploadClient interface {
	Send(*wrapperspb.BytesValue) error
	CloseAndRecv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type fileTransferUploadClient struct{ grpc.ClientStream }

func (x *fileTransferUploadClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *fileTransferUploadClient) CloseAndRecv() (*wrapperspb.StringValue, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *fileTransferClient) Download(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (FileTransfer_DownloadClient, error) {
	stream, err := c.cc.NewStream(ctx, &FileTransfer_ServiceDesc.Streams[1], "/beavergrid.transfer.v1.FileTransfer/Download", opts...)
	if err != nil {
		return nil, err
	}
	x := &fileTransferDownloadClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type FileTransfer_DownloadClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type fileTransferDownloadClient struct{ grpc.ClientStream }

func (x *fileTransferDownloadClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _FileTransfer_Upload_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(FileTransferServer).Upload(&fileTransferUploadServer{stream})
}

func _FileTransfer_Download_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FileTransferServer).Download(m, &fileTransferDownloadServer{stream})
}

// FileTransfer_ServiceDesc is the grpc.ServiceDesc for FileTransfer service.
var FileTransfer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "beavergrid.transfer.v1.FileTransfer",
	HandlerType: (*FileTransferServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Upload", Handler: _FileTransfer_Upload_Handler, ClientStreams: true},
		{StreamName: "Download", Handler: _FileTransfer_Download_Handler, ServerStreams: true},
	},
	Metadata: "transfer.proto",
}
