package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	modelServiceName    = "triage.model_server.v1.ModelService"
	describeMethod      = "/" + modelServiceName + "/Describe"
	predictProbaMethod  = "/" + modelServiceName + "/PredictProba"
	remoteDescribeLimit = 10 * time.Second
)

// RemoteModel is a distribution-only model served by an external model server
// over gRPC. It does not expose feature weights, so it cannot be explained.
type RemoteModel struct {
	conn    *grpc.ClientConn
	labels  []string
	version string
	logger  *zap.Logger
}

var _ Model = (*RemoteModel)(nil)

// NewRemote connects to a model server and fetches its label set. The label
// set is fixed for the lifetime of the returned model.
func NewRemote(ctx context.Context, endpoint string, logger *zap.Logger) (*RemoteModel, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("NewRemote: %w", err)
	}

	describeCtx, cancel := context.WithTimeout(ctx, remoteDescribeLimit)
	defer cancel()

	resp := new(structpb.Struct)
	if err := conn.Invoke(describeCtx, describeMethod, &structpb.Struct{}, resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewRemote: describe %s: %w", endpoint, err)
	}

	var labels []string
	for _, v := range resp.GetFields()["labels"].GetListValue().GetValues() {
		labels = append(labels, v.GetStringValue())
	}
	if len(labels) < 2 {
		_ = conn.Close()
		return nil, fmt.Errorf("NewRemote: %w: model server reported %d labels", ErrInvalidArtifact, len(labels))
	}

	m := &RemoteModel{
		conn:    conn,
		labels:  labels,
		version: resp.GetFields()["version"].GetStringValue(),
		logger:  logger,
	}
	logger.Info("remote model connected",
		zap.String("endpoint", endpoint),
		zap.String("version", m.version),
		zap.Strings("labels", labels),
	)
	return m, nil
}

func (m *RemoteModel) Labels() []string { return append([]string(nil), m.labels...) }

func (m *RemoteModel) Version() string { return m.version }

// PredictProba sends the whole batch in one call.
func (m *RemoteModel) PredictProba(ctx context.Context, texts []string) ([][]float64, error) {
	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": items})
	if err != nil {
		return nil, fmt.Errorf("RemoteModel.PredictProba: %w", err)
	}

	resp := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, predictProbaMethod, req, resp); err != nil {
		return nil, fmt.Errorf("RemoteModel.PredictProba: %w", err)
	}

	rows := resp.GetFields()["probabilities"].GetListValue().GetValues()
	out := make([][]float64, len(rows))
	for i, row := range rows {
		cols := row.GetListValue().GetValues()
		out[i] = make([]float64, len(cols))
		for j, c := range cols {
			out[i][j] = c.GetNumberValue()
		}
	}
	return out, nil
}

// Close shuts down the gRPC connection.
func (m *RemoteModel) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// ModelServiceServer is the server side of the model server protocol. It is
// implemented by model servers and by in-process fakes.
type ModelServiceServer interface {
	Describe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PredictProba(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterModelServiceServer registers srv on s.
func RegisterModelServiceServer(s grpc.ServiceRegistrar, srv ModelServiceServer) {
	s.RegisterService(&modelServiceDesc, srv)
}

var modelServiceDesc = grpc.ServiceDesc{
	ServiceName: modelServiceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Describe",
			Handler: modelHandler(describeMethod, func(s ModelServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Describe(ctx, in)
			}),
		},
		{
			MethodName: "PredictProba",
			Handler: modelHandler(predictProbaMethod, func(s ModelServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.PredictProba(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "model_server/v1/model_server.proto",
}

func modelHandler(
	fullMethod string,
	call func(ModelServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ModelServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ModelServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
