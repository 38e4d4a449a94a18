package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "triage.moderation.v1.ModerationService"

// Method names, as they appear in the full method path /ServiceName/Method.
const (
	MethodPredict        = "Predict"
	MethodPredictBatch   = "PredictBatch"
	MethodExplain        = "Explain"
	MethodSubmitFeedback = "SubmitFeedback"
	MethodStats          = "Stats"
	MethodHistory        = "History"
)

// moderationService is the server-side contract. Every method takes and
// returns a google.protobuf.Struct, so no generated stubs are needed.
type moderationService interface {
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PredictBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Explain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*moderationService)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodPredict, moderationService.Predict),
		unary(MethodPredictBatch, moderationService.PredictBatch),
		unary(MethodExplain, moderationService.Explain),
		unary(MethodSubmitFeedback, moderationService.SubmitFeedback),
		unary(MethodStats, moderationService.Stats),
		unary(MethodHistory, moderationService.History),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "triage/moderation/v1/moderation.proto",
}

type unaryMethod func(moderationService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(moderationService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(moderationService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Register attaches the moderation service to s.
func Register(s grpc.ServiceRegistrar, srv *ModerationServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls ModerationService methods with plain maps as messages.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with req and returns the response as a map. Numbers in
// the response are float64, as with any google.protobuf.Struct.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
