// Package poller pulls failed runs from the platform feed and hands each new
// one to the coordinator.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/platform"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/triage/coordinator"
	"github.com/vietddude/triage/internal/triage/metrics"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultLookback    = time.Hour
	defaultConcurrency = 4
	ledgerRetries      = 3
	ledgerBackoff      = 200 * time.Millisecond
)

// Triager is the part of the coordinator the poller needs.
type Triager interface {
	Triage(ctx context.Context, ev domain.FailureEvent) (coordinator.Result, error)
}

// Config controls polling cadence and fan-out.
type Config struct {
	Interval    time.Duration
	Lookback    time.Duration
	Concurrency int
}

// Summary reports one polling cycle.
type Summary struct {
	Seen       int `json:"seen"`
	Triaged    int `json:"triaged"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Poller runs polling cycles against a RunFeed.
type Poller struct {
	cfg     Config
	feed    platform.RunFeed
	triager Triager
	ledger  storage.LedgerRepository

	backoff time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// New creates a poller. Zero config fields take defaults.
func New(cfg Config, feed platform.RunFeed, triager Triager, ledger storage.LedgerRepository) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Poller{
		cfg:     cfg,
		feed:    feed,
		triager: triager,
		ledger:  ledger,
		backoff: ledgerBackoff,
		now:     time.Now,
		log:     slog.Default().With("component", "poller"),
	}
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	sum, err := p.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("Polling cycle failed", "error", err)
		}
		return
	}
	if sum.Seen > 0 {
		p.log.Info("Polling cycle complete",
			"seen", sum.Seen,
			"triaged", sum.Triaged,
			"duplicates", sum.Duplicates,
			"failed", sum.Failed,
		)
	}
}

// RunOnce lists failed runs in the lookback window and triages every run not
// yet in the ledger. Overlapping windows are expected; the ledger and the
// coordinator filter repeats.
func (p *Poller) RunOnce(ctx context.Context) (Summary, error) {
	until := p.now()
	runs, err := p.feed.ListFailedRuns(ctx, until.Add(-p.cfg.Lookback), until)
	if err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("list failed runs: %w", err)
	}

	var triaged, duplicates, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, ev := range runs {
		done, err := p.ledger.HasBeenProcessed(ctx, ev.RunID)
		if err != nil {
			p.log.Warn("Ledger lookup failed, triaging anyway", "run_id", ev.RunID, "error", err)
		} else if done {
			duplicates.Add(1)
			continue
		}

		g.Go(func() error {
			res, err := p.triage(gctx, ev)
			switch {
			case err != nil:
				failed.Add(1)
				p.log.Error("Triage failed", "run_id", ev.RunID, "pipeline", ev.PipelineName, "error", err)
			case res.Duplicate:
				duplicates.Add(1)
			default:
				triaged.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{
		Seen:       len(runs),
		Triaged:    int(triaged.Load()),
		Duplicates: int(duplicates.Load()),
		Failed:     int(failed.Load()),
	}
	result := "ok"
	if sum.Failed > 0 {
		result = "partial"
	}
	metrics.PollCycles.WithLabelValues(result).Inc()
	return sum, nil
}

// triage retries only ledger write failures. Everything else is final.
func (p *Poller) triage(ctx context.Context, ev domain.FailureEvent) (coordinator.Result, error) {
	var res coordinator.Result
	b := retry.WithMaxRetries(ledgerRetries, retry.NewExponential(p.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := p.triager.Triage(ctx, ev)
		if err != nil {
			if errors.Is(err, domain.ErrLedgerWriteFailed) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}
