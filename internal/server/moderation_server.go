package server

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/auth"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ModerationServer implements the ModerationService gRPC service.
type ModerationServer struct {
	mod    *moderator.Moderator
	auth   auth.Authenticator
	logger *zap.Logger
}

var _ moderationService = (*ModerationServer)(nil)

// NewModerationServer creates a new ModerationServer with the given dependencies.
func NewModerationServer(mod *moderator.Moderator, authenticator auth.Authenticator, logger *zap.Logger) *ModerationServer {
	if authenticator == nil {
		authenticator = auth.NoopAuthenticator{}
	}
	return &ModerationServer{mod: mod, auth: authenticator, logger: logger}
}

// NewGRPCServer builds a gRPC server with the moderation, health and
// reflection services registered. The health server reports SERVING for the
// moderation service; flip it to NOT_SERVING before GracefulStop.
func NewGRPCServer(srv *ModerationServer) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	Register(gs, srv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return gs, hs
}

// Predict implements ModerationService.Predict: {text} → decision.
func (s *ModerationServer) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	dec, err := s.mod.Check(ctx, stringField(req, "text"), s.meta(ctx))
	if err != nil {
		return nil, s.toStatus(MethodPredict, err)
	}
	return structpb.NewStruct(decisionMap(dec))
}

// PredictBatch implements ModerationService.PredictBatch: {texts} → {results}.
func (s *ModerationServer) PredictBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	values := req.GetFields()["texts"].GetListValue().GetValues()
	texts := make([]string, len(values))
	for i, v := range values {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "texts[%d]: must be a string", i)
		}
		texts[i] = sv.StringValue
	}

	decs, err := s.mod.CheckBatch(ctx, texts, s.meta(ctx))
	if err != nil {
		return nil, s.toStatus(MethodPredictBatch, err)
	}
	results := make([]any, len(decs))
	for i, d := range decs {
		results[i] = decisionMap(d)
	}
	return structpb.NewStruct(map[string]any{"results": results})
}

// Explain implements ModerationService.Explain: {text} → explanation.
func (s *ModerationServer) Explain(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	text := stringField(req, "text")
	exp, err := s.mod.Explain(ctx, text)
	if err != nil {
		return nil, s.toStatus(MethodExplain, err)
	}

	probs := make(map[string]any, len(exp.Probabilities))
	for l, p := range exp.Probabilities {
		probs[l] = round4(p)
	}
	features := make([]any, len(exp.TopFeatures))
	for i, f := range exp.TopFeatures {
		features[i] = map[string]any{"feature": f.Feature, "weight": round4(f.Weight)}
	}
	return structpb.NewStruct(map[string]any{
		"text":          audit.TruncateText(text, s.mod.Config().DisplayTextLength),
		"label":         exp.Label,
		"confidence":    round4(exp.Confidence),
		"probabilities": probs,
		"top_features":  features,
	})
}

// SubmitFeedback implements ModerationService.SubmitFeedback.
func (s *ModerationServer) SubmitFeedback(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	in := moderator.FeedbackInput{
		Text:           stringField(req, "text"),
		PredictedLabel: stringField(req, "predicted_label"),
		CorrectLabel:   stringField(req, "correct_label"),
	}
	if v, ok := req.GetFields()["prediction_id"]; ok {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
			id, err := int64Value(v)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "prediction_id: %v", err)
			}
			in.PredictionID = &id
		}
	}

	rec, err := s.mod.SubmitFeedback(ctx, in)
	if err != nil {
		return nil, s.toStatus(MethodSubmitFeedback, err)
	}
	return structpb.NewStruct(feedbackMap(rec))
}

// Stats implements ModerationService.Stats.
func (s *ModerationServer) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.mod.Stats(ctx)
	if err != nil {
		return nil, s.toStatus(MethodStats, err)
	}
	byLabel := make(map[string]any, len(st.ByLabel))
	for l, n := range st.ByLabel {
		byLabel[l] = n
	}
	return structpb.NewStruct(map[string]any{
		"total":        st.Total,
		"allowed":      st.Allowed,
		"blocked":      st.Blocked,
		"needs_review": st.NeedsReview,
		"by_label":     byLabel,
	})
}

// History implements ModerationService.History: {limit} → {records}.
func (s *ModerationServer) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	recs, err := s.mod.History(ctx, limit)
	if err != nil {
		return nil, s.toStatus(MethodHistory, err)
	}
	records := make([]any, len(recs))
	for i, r := range recs {
		records[i] = map[string]any{
			"id":            r.ID,
			"text":          r.Text,
			"label":         r.Label,
			"confidence":    round4(r.Confidence),
			"allowed":       r.Allowed,
			"needs_review":  r.NeedsReview,
			"model_version": r.ModelVersion,
			"request_id":    r.RequestID,
			"created_at":    r.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return structpb.NewStruct(map[string]any{"records": records})
}

// authenticate resolves the caller from metadata and stores the principal in ctx.
func (s *ModerationServer) authenticate(ctx context.Context) (context.Context, error) {
	p, err := s.auth.Authenticate(ctx, auth.KeyFromMetadata(ctx))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingAPIKey), errors.Is(err, auth.ErrInvalidAPIKey):
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		default:
			s.logger.Warn("auth backend failed", zap.Error(err))
			return nil, status.Error(codes.Unavailable, "authentication unavailable")
		}
	}
	return auth.WithPrincipal(ctx, p), nil
}

func (s *ModerationServer) meta(ctx context.Context) moderator.Meta {
	m := moderator.Meta{
		Source:   "grpc",
		ClientID: auth.PrincipalFrom(ctx).Name,
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 {
			m.RequestID = v[0]
		}
	}
	return m
}

// toStatus maps moderator errors to gRPC status codes.
func (s *ModerationServer) toStatus(method string, err error) error {
	var ve *moderator.ValidationError
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.Is(err, classifier.ErrUnsupportedModel):
		return status.Error(codes.Unimplemented, "explanations are not supported by the loaded model")
	case errors.Is(err, audit.ErrStorage):
		s.logger.Error("audit store failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Unavailable, "storage unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		s.logger.Error("request failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "classification failed")
	}
}

func decisionMap(d *moderator.Decision) map[string]any {
	return map[string]any{
		"request_id":    d.RequestID,
		"record_id":     d.RecordID,
		"text":          d.Text,
		"label":         d.Label,
		"confidence":    round4(d.Confidence),
		"allowed":       d.Allowed,
		"needs_review":  d.NeedsReview,
		"model_version": d.ModelVersion,
	}
}

func feedbackMap(r *audit.FeedbackRecord) map[string]any {
	m := map[string]any{
		"id":              r.ID,
		"text":            r.Text,
		"predicted_label": r.PredictedLabel,
		"correct_label":   r.CorrectLabel,
		"created_at":      r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.PredictionID != nil {
		m["prediction_id"] = *r.PredictionID
	}
	return m
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// int64Value accepts only numbers that are exact integers within int64 range.
func int64Value(v *structpb.Value) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, errors.New("must be a number")
	}
	f := n.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.New("must be an integer")
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errors.New("out of range")
	}
	return int64(f), nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
