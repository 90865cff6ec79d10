package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the ops service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the server status document.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "Status", nil, opts...)
}

// Moderate issues kick, ban, mute or unmute against peerID. Minutes only
// applies to mute.
func (c *Client) Moderate(ctx context.Context, action string, peerID uint32, minutes int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"peer_id": peerID, "minutes": minutes})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, action, req, opts...)
}

// Events opens the event feed. An empty subscriber asks the server for a fresh one.
func (c *Client) Events(ctx context.Context, subscriber string, kinds []string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	list := make([]any, 0, len(kinds))
	for _, k := range kinds {
		list = append(list, k)
	}
	req, err := structpb.NewStruct(map[string]any{"subscriber": subscriber, "kinds": list})
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &OpsServiceDesc.Streams[0], FullMethod("Events"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
