package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/triage/internal/core/domain"
)

type classifyFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// startAnalyzer serves ClassifyMethod on a loopback port.
func startAnalyzer(t *testing.T, fn classifyFunc) string {
	t.Helper()

	desc := grpc.ServiceDesc{
		ServiceName: "triage.v1.Analyzer",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Classify",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in)
			},
		}},
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := grpc.NewServer()
	s.RegisterService(&desc, struct{}{})
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

func TestGRPCAdapter_Classify(t *testing.T) {
	addr := startAnalyzer(t, func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		if in.GetFields()["run_id"].GetStringValue() != "r1" {
			t.Errorf("unexpected request: %v", in)
		}
		if in.GetFields()["context"].GetStructValue().GetFields()["retries"].GetNumberValue() != 2 {
			t.Errorf("context not forwarded: %v", in)
		}
		return structpb.NewStruct(map[string]any{
			"error_type":          "transient",
			"should_retry":        true,
			"confidence_score":    80,
			"analysis_summary":    "network blip",
			"recommended_actions": []any{"Retry the pipeline"},
			"total_tokens":        2000,
		})
	})

	a, err := NewGRPCAdapter(domain.ProviderConfig{ProviderID: "remote", Endpoint: addr, CostPerUnit: 0.01})
	if err != nil {
		t.Fatalf("NewGRPCAdapter failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := a.Classify(ctx, Request{PipelineName: "P", RunID: "r1", ErrorMessage: "timeout", Context: map[string]any{"retries": 2}})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if c.ErrorType != domain.ErrorTypeTransient || c.ConfidenceScore != 80 || !c.ShouldRetryHint {
		t.Errorf("unexpected classification: %+v", c)
	}
	if c.ProviderID != "remote" || c.TokenUsage != 2000 || c.CostEstimate != 0.02 {
		t.Errorf("unexpected provider fields: %+v", c)
	}
}

func TestGRPCAdapter_ThrottledWithRetryInfo(t *testing.T) {
	addr := startAnalyzer(t, func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		st, err := status.New(codes.ResourceExhausted, "slow down").
			WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(3 * time.Second)})
		if err != nil {
			return nil, err
		}
		return nil, st.Err()
	})

	a, err := NewGRPCAdapter(domain.ProviderConfig{ProviderID: "remote", Endpoint: addr})
	if err != nil {
		t.Fatalf("NewGRPCAdapter failed: %v", err)
	}
	defer a.Close()

	_, err = a.Classify(context.Background(), Request{ErrorMessage: "x"})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "retry after 3s") {
		t.Errorf("expected retry delay in error, got %v", err)
	}
}

func TestGRPCAdapter_IncompleteResponse(t *testing.T) {
	addr := startAnalyzer(t, func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"error_type": "transient"})
	})

	a, _ := NewGRPCAdapter(domain.ProviderConfig{ProviderID: "remote", Endpoint: addr})
	defer a.Close()

	_, err := a.Classify(context.Background(), Request{ErrorMessage: "x"})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
