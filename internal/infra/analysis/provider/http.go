package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

var throttlePatterns = []string{
	"rate limit exceeded",
	"too many requests",
	"quota exceeded",
}

// HTTPAdapter calls an OpenAI-compatible chat completions endpoint.
type HTTPAdapter struct {
	cfg        domain.ProviderConfig
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAdapter creates an adapter for cfg. The API key is read once from
// the environment variable named by cfg.APIKeyEnv.
func NewHTTPAdapter(cfg domain.ProviderConfig) *HTTPAdapter {
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	return &HTTPAdapter{
		cfg:    cfg,
		apiKey: key,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (a *HTTPAdapter) ID() string { return a.cfg.ProviderID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *HTTPAdapter) Classify(ctx context.Context, req Request) (domain.Classification, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		Temperature: 0.1,
		MaxTokens:   1000,
	})
	if err != nil {
		return domain.Classification{}, a.fail(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, a.fail(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		httpReq.Header.Set("api-key", a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return domain.Classification{}, a.fail(fmt.Errorf("analysis call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Classification{}, a.fail(fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode == http.StatusForbidden {
		return domain.Classification{}, a.fail(fmt.Errorf("access blocked (403)"))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Classification{}, a.fail(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		if detectThrottle(string(data)) {
			return domain.Classification{}, a.fail(fmt.Errorf("throttle detected in response: %s", data))
		}
		return domain.Classification{}, a.fail(fmt.Errorf("http %d: %s", resp.StatusCode, data))
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return domain.Classification{}, a.fail(fmt.Errorf("decode response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return domain.Classification{}, a.fail(fmt.Errorf("response has no choices"))
	}

	c, err := parseAnalysis(chat.Choices[0].Message.Content)
	if err != nil {
		return domain.Classification{}, a.fail(err)
	}

	c.ProviderID = a.cfg.ProviderID
	c.TokenUsage = chat.Usage.TotalTokens
	c.CostEstimate = float64(chat.Usage.TotalTokens) / 1000 * a.cfg.CostPerUnit
	return c, nil
}

func (a *HTTPAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

func (a *HTTPAdapter) fail(err error) error {
	return domain.NewProviderError(a.cfg.ProviderID, err)
}

func detectThrottle(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range throttlePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
