package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/triage/internal/core/config"
)

const factoryPath = "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.DataFactory/factories/adf"

func newTestADF(t *testing.T, handler http.HandlerFunc) *ADFClient {
	t.Helper()
	t.Setenv("TEST_ADF_TOKEN", "tok")
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewADFClient(config.PlatformConfig{
		Kind:           config.PlatformADF,
		BaseURL:        server.URL,
		SubscriptionID: "sub",
		ResourceGroup:  "rg",
		FactoryName:    "adf",
		TokenEnv:       "TEST_ADF_TOKEN",
		Timeout:        5 * time.Second,
	})
}

func TestADFClient_ListFailedRunsPaginates(t *testing.T) {
	var calls atomic.Int32
	c := newTestADF(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != factoryPath+"/queryPipelineRuns" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req queryRunsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(req.Filters) != 1 || req.Filters[0].Values[0] != "Failed" {
			t.Errorf("expected Failed status filter, got %+v", req.Filters)
		}

		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"value":[{"runId":"r1","pipelineName":"P","status":"Failed","runStart":"2024-05-01T10:00:00Z","runEnd":"2024-05-01T10:05:00Z","message":"timeout"}],"continuationToken":"next"}`))
			return
		}
		if req.ContinuationToken != "next" {
			t.Errorf("expected continuation token, got %q", req.ContinuationToken)
		}
		_, _ = w.Write([]byte(`{"value":[{"runId":"r2","pipelineName":"Q","status":"Failed","runStart":"2024-05-01T11:00:00Z","message":"schema"},{"runId":"r3","pipelineName":"Q","status":"Succeeded","runStart":"2024-05-01T11:00:00Z"}]}`))
	})

	events, err := c.ListFailedRuns(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("ListFailedRuns failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 failed runs, got %d", len(events))
	}
	if events[0].RunID != "r1" || events[0].EndedAt == nil || events[0].SourceSystem != sourceADF {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].RunID != "r2" || events[1].EndedAt != nil {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestADFClient_ListFailedRunsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestADF(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	if _, err := c.ListFailedRuns(context.Background(), time.Now().Add(-time.Hour), time.Now()); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestADFClient_ListFailedRunsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestADF(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	})

	if _, err := c.ListFailedRuns(context.Background(), time.Now().Add(-time.Hour), time.Now()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestADFClient_Rerun(t *testing.T) {
	c := newTestADF(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/pipelines/ETL Pipeline/createRun") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("referencePipelineRunId") != "run-1" || q.Get("isRecovery") != "true" || q.Get("api-version") != adfAPIVersion {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"runId":"new-run"}`))
	})

	ok, err := c.Rerun(context.Background(), "ETL Pipeline", "run-1")
	if err != nil || !ok {
		t.Fatalf("expected accepted rerun, got ok=%v err=%v", ok, err)
	}
}

func TestADFClient_RerunRejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestADF(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "pipeline not found", http.StatusNotFound)
	})

	ok, err := c.Rerun(context.Background(), "P", "run-1")
	if ok || err == nil {
		t.Fatalf("expected rejected rerun, got ok=%v err=%v", ok, err)
	}
	if calls.Load() != 1 {
		t.Errorf("rerun must not be retried, got %d calls", calls.Load())
	}
}
