package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/triage/internal/core/domain"
)

// ClassifyMethod is the full gRPC method name served by remote analyzers.
const ClassifyMethod = "/triage.v1.Analyzer/Classify"

// GRPCAdapter calls a remote analyzer that exchanges google.protobuf.Struct
// messages, so no generated stubs are needed on either side.
type GRPCAdapter struct {
	cfg  domain.ProviderConfig
	conn *grpc.ClientConn
	log  *slog.Logger
}

// NewGRPCAdapter creates a lazily connecting client for cfg.Endpoint.
func NewGRPCAdapter(cfg domain.ProviderConfig) (*GRPCAdapter, error) {
	target := strings.TrimPrefix(cfg.Endpoint, "http://")
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCAdapter{
		cfg:  cfg,
		conn: conn,
		log:  slog.Default().With("component", "grpc-provider", "provider", cfg.ProviderID),
	}, nil
}

func (a *GRPCAdapter) ID() string { return a.cfg.ProviderID }

func (a *GRPCAdapter) Classify(ctx context.Context, req Request) (domain.Classification, error) {
	in, err := requestStruct(req, a.cfg.Model)
	if err != nil {
		return domain.Classification{}, domain.NewProviderError(a.cfg.ProviderID, err)
	}

	out := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		return domain.Classification{}, domain.NewProviderError(a.cfg.ProviderID, a.describe(err))
	}

	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return domain.Classification{}, domain.NewProviderError(a.cfg.ProviderID, err)
	}
	c, err := parseAnalysis(string(data))
	if err != nil {
		return domain.Classification{}, domain.NewProviderError(a.cfg.ProviderID, err)
	}

	tokens := 0
	if v, ok := out.AsMap()["total_tokens"].(float64); ok {
		tokens = int(v)
	}
	c.ProviderID = a.cfg.ProviderID
	c.TokenUsage = tokens
	c.CostEstimate = float64(tokens) / 1000 * a.cfg.CostPerUnit
	return c, nil
}

func (a *GRPCAdapter) Close() error {
	return a.conn.Close()
}

// describe keeps the status code and any server supplied retry delay.
func (a *GRPCAdapter) describe(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			delay := info.GetRetryDelay().AsDuration()
			a.log.Warn("Analyzer asked to back off", "code", st.Code(), "retry_delay", delay)
			return fmt.Errorf("%s: %s (retry after %s)", st.Code(), st.Message(), delay)
		}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	default:
		return err
	}
}

// requestStruct flattens the request through JSON so that arbitrary context
// values become types structpb accepts.
func requestStruct(req Request, model string) (*structpb.Struct, error) {
	fields := map[string]any{
		"pipeline_name": req.PipelineName,
		"error_message": req.ErrorMessage,
		"run_id":        req.RunID,
	}
	if model != "" {
		fields["model"] = model
	}
	if len(req.Context) > 0 {
		data, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal context: %w", err)
		}
		var ctxMap map[string]any
		if err := json.Unmarshal(data, &ctxMap); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
		fields["context"] = ctxMap
	}
	return structpb.NewStruct(fields)
}
