package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var severityColors = map[Severity]string{
	SeverityCritical: "FF0000",
	SeverityWarning:  "FFA500",
	SeverityInfo:     "0078D4",
}

// TeamsSink posts a MessageCard to a Microsoft Teams incoming webhook.
type TeamsSink struct {
	webhookURL string
	httpClient *http.Client
}

func NewTeamsSink(webhookURL string) *TeamsSink {
	return &TeamsSink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cardSection struct {
	ActivityTitle    string `json:"activityTitle"`
	ActivitySubtitle string `json:"activitySubtitle,omitempty"`
	Facts            []fact `json:"facts"`
}

type messageCard struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	ThemeColor string        `json:"themeColor"`
	Summary    string        `json:"summary"`
	Sections   []cardSection `json:"sections"`
}

func buildCard(n Notification) messageCard {
	facts := []fact{
		{Name: "Time", Value: n.Time.Format(time.RFC3339)},
		{Name: "Pipeline", Value: n.PipelineName},
		{Name: "Run ID", Value: n.RunID},
		{Name: "Reason", Value: n.Rationale},
	}
	card := messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: severityColors[n.Severity],
		Summary:    n.Title(),
		Sections: []cardSection{{
			ActivityTitle:    n.Title(),
			ActivitySubtitle: n.PipelineName,
			Facts:            facts,
		}},
	}
	if len(n.RecommendedActions) > 0 {
		card.Sections = append(card.Sections, cardSection{
			ActivityTitle: "Recommended Actions",
			Facts:         []fact{{Name: "Actions", Value: strings.Join(n.RecommendedActions, "; ")}},
		})
	}
	return card
}

func (s *TeamsSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(buildCard(n))
	if err != nil {
		return fmt.Errorf("marshal teams card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create teams request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("teams webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("teams webhook returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
