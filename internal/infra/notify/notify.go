// Package notify delivers escalations and retry notices to operators.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Severity ranks a notification.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Notification is one message for operators.
type Notification struct {
	Severity           Severity
	PipelineName       string
	RunID              string
	Rationale          string
	RecommendedActions []string
	Time               time.Time
}

// Sink delivers notifications. Callers log failures and never block on them.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Title is a one-line summary of n.
func (n Notification) Title() string {
	return fmt.Sprintf("Pipeline %s: %s", strings.ToUpper(string(n.Severity)), n.PipelineName)
}

// ConsoleSink writes notifications to the structured log.
type ConsoleSink struct {
	log *slog.Logger
}

func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{log: slog.Default().With("component", "notify")}
}

func (s *ConsoleSink) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, n.Title(),
		"run_id", n.RunID,
		"rationale", n.Rationale,
		"actions", n.RecommendedActions,
	)
	return nil
}

// MultiSink fans a notification out to every sink and reports all failures.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Notify(ctx context.Context, n Notification) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.Notify(ctx, n))
	}
	return err
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}
