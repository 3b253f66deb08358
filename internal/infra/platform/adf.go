package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/triage/internal/core/config"
	"github.com/vietddude/triage/internal/core/domain"
)

const (
	adfAPIVersion = "2018-06-01"
	sourceADF     = "azure-data-factory"
)

var errRerunRejected = errors.New("rerun not accepted")

// ADFClient is an Azure Data Factory REST client.
type ADFClient struct {
	factoryURL string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewADFClient creates a client for the factory described by cfg. The bearer
// token is read from the environment variable named by cfg.TokenEnv.
func NewADFClient(cfg config.PlatformConfig) *ADFClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	factoryURL := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.DataFactory/factories/%s",
		base, url.PathEscape(cfg.SubscriptionID), url.PathEscape(cfg.ResourceGroup), url.PathEscape(cfg.FactoryName))

	var token string
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &ADFClient{
		factoryURL: factoryURL,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        slog.Default().With("component", "adf-client"),
	}
}

type runFilter struct {
	Operand  string   `json:"operand"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type queryRunsRequest struct {
	LastUpdatedAfter  string      `json:"lastUpdatedAfter"`
	LastUpdatedBefore string      `json:"lastUpdatedBefore"`
	ContinuationToken string      `json:"continuationToken,omitempty"`
	Filters           []runFilter `json:"filters"`
}

type pipelineRun struct {
	RunID        string     `json:"runId"`
	PipelineName string     `json:"pipelineName"`
	Status       string     `json:"status"`
	RunStart     time.Time  `json:"runStart"`
	RunEnd       *time.Time `json:"runEnd"`
	Message      string     `json:"message"`
}

type queryRunsResponse struct {
	Value             []pipelineRun `json:"value"`
	ContinuationToken string        `json:"continuationToken"`
}

// ListFailedRuns queries runs updated within [since, until] with status Failed.
func (c *ADFClient) ListFailedRuns(ctx context.Context, since, until time.Time) ([]domain.FailureEvent, error) {
	endpoint := fmt.Sprintf("%s/queryPipelineRuns?api-version=%s", c.factoryURL, adfAPIVersion)

	var events []domain.FailureEvent
	token := ""
	for {
		req := queryRunsRequest{
			LastUpdatedAfter:  since.UTC().Format(time.RFC3339),
			LastUpdatedBefore: until.UTC().Format(time.RFC3339),
			ContinuationToken: token,
			Filters:           []runFilter{{Operand: "Status", Operator: "Equals", Values: []string{"Failed"}}},
		}

		var resp queryRunsResponse
		// Queries are read-only, so transient failures are retried.
		backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			status, err := c.post(ctx, endpoint, req, &resp)
			if err != nil && (status == 0 || status == http.StatusTooManyRequests || status >= 500) {
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("query pipeline runs: %w", err)
		}

		for _, r := range resp.Value {
			if !strings.EqualFold(r.Status, "Failed") {
				continue
			}
			events = append(events, domain.FailureEvent{
				RunID:        r.RunID,
				PipelineName: r.PipelineName,
				StartedAt:    r.RunStart,
				EndedAt:      r.RunEnd,
				ErrorMessage: r.Message,
				SourceSystem: sourceADF,
			})
		}

		if resp.ContinuationToken == "" {
			break
		}
		token = resp.ContinuationToken
	}
	return events, nil
}

// Rerun starts a recovery run of the pipeline that references the failed run.
// It is not retried here; a duplicate createRun would start a second run.
func (c *ADFClient) Rerun(ctx context.Context, pipelineName, runID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/pipelines/%s/createRun?api-version=%s&referencePipelineRunId=%s&isRecovery=true",
		c.factoryURL, url.PathEscape(pipelineName), adfAPIVersion, url.QueryEscape(runID))

	var resp struct {
		RunID string `json:"runId"`
	}
	if _, err := c.post(ctx, endpoint, struct{}{}, &resp); err != nil {
		return false, fmt.Errorf("create run for %s: %w", pipelineName, err)
	}
	if resp.RunID == "" {
		return false, errRerunRejected
	}

	c.log.Info("Rerun started", "pipeline", pipelineName, "failed_run", runID, "new_run", resp.RunID)
	return true, nil
}

// post sends body as JSON and decodes a 2xx reply into out. The returned status
// is zero when no response was received.
func (c *ADFClient) post(ctx context.Context, endpoint string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, payload)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
