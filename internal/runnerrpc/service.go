// Package runnerrpc implements the Runner<->Broker gRPC transport. The
// wire messages are google.golang.org/protobuf well-known Struct values
// rather than a generated .proto schema, so the service descriptor below
// is hand-constructed in the same shape protoc-gen-go-grpc would emit:
// a grpc.ServiceDesc with unary MethodDesc entries and one
// server-streaming StreamDesc, backing a thin client/server pair that
// talks structpb.Struct end to end.
package runnerrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "pairwire.RunnerService"

// RunnerServiceServer is implemented by the Broker side of the Runner
// transport.
type RunnerServiceServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Events(*structpb.Struct, RunnerService_EventsServer) error
}

// RunnerService_EventsServer is the server-side handle for the Events
// server-streaming RPC, over which the Broker pushes terminal-bridge
// open instructions to an Advertised Runner.
type RunnerService_EventsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type runnerServiceEventsServer struct{ grpc.ServerStream }

func (x *runnerServiceEventsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _RunnerService_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServiceServer).Register(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _RunnerService_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RunnerServiceServer).Heartbeat(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _RunnerService_Events_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(RunnerServiceServer).Events(m, &runnerServiceEventsServer{stream})
}

// ServiceDesc is registered against a *grpc.Server in place of generated
// code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RunnerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: _RunnerService_Register_Handler},
		{MethodName: "Heartbeat", Handler: _RunnerService_Heartbeat_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: _RunnerService_Events_Handler, ServerStreams: true},
	},
	Metadata: "pairwire/runner.proto",
}

// RunnerServiceClient is implemented by the Runner side of the
// transport.
type RunnerServiceClient interface {
	Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Events(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (RunnerService_EventsClient, error)
}

type runnerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRunnerServiceClient wraps an established connection.
func NewRunnerServiceClient(cc grpc.ClientConnInterface) RunnerServiceClient {
	return &runnerServiceClient{cc: cc}
}

func (c *runnerServiceClient) Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Register", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *runnerServiceClient) Heartbeat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Heartbeat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *runnerServiceClient) Events(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (RunnerService_EventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Events", opts...)
	if err != nil {
		return nil, err
	}
	x := &runnerServiceEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// RunnerService_EventsClient is the client-side handle for the Events
// server stream.
type RunnerService_EventsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type runnerServiceEventsClient struct{ grpc.ClientStream }

func (x *runnerServiceEventsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
