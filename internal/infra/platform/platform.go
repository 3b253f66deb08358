// Package platform talks to the batch pipeline platform: it lists failed runs
// and asks for reruns.
package platform

import (
	"context"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// RunFeed lists failed runs. Overlapping windows may return the same run more
// than once; callers deduplicate by run id.
type RunFeed interface {
	ListFailedRuns(ctx context.Context, since, until time.Time) ([]domain.FailureEvent, error)
}

// Rerunner asks the platform to run a failed pipeline again.
type Rerunner interface {
	Rerun(ctx context.Context, pipelineName, runID string) (bool, error)
}

// Platform is both a feed and a rerun target.
type Platform interface {
	RunFeed
	Rerunner
}
