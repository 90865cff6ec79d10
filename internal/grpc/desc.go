package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// OpsServiceDesc describes the ops service for grpc.Server.RegisterService.
var OpsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OpsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler("Status", OpsServer.Status)},
		{MethodName: "Kick", Handler: unaryHandler("Kick", OpsServer.Kick)},
		{MethodName: "Ban", Handler: unaryHandler("Ban", OpsServer.Ban)},
		{MethodName: "Mute", Handler: unaryHandler("Mute", OpsServer.Mute)},
		{MethodName: "Unmute", Handler: unaryHandler("Unmute", OpsServer.Unmute)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "coop/ops/v1/ops.proto",
}

// FullMethod returns the wire path of an ops method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryCall func(OpsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(OpsServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OpsServer).Events(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
