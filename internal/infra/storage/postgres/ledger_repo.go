package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/triage/internal/core/domain"
)

const uniqueViolation = "23505"

// LedgerRepo implements storage.LedgerRepository using PostgreSQL.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates a new PostgreSQL ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

type ledgerRow struct {
	EntryID        string    `db:"entry_id"`
	RunID          string    `db:"run_id"`
	PipelineName   string    `db:"pipeline_name"`
	SourceSystem   string    `db:"source_system"`
	ErrorMessage   string    `db:"error_message"`
	Classification []byte    `db:"classification"`
	Verdict        []byte    `db:"verdict"`
	Decision       string    `db:"decision"`
	ActionOutcome  string    `db:"action_outcome"`
	ActionError    string    `db:"action_error"`
	Degraded       bool      `db:"degraded"`
	RecordedAt     time.Time `db:"recorded_at"`
}

const ledgerColumns = `entry_id, run_id, pipeline_name, source_system, error_message,
	classification, verdict, decision, action_outcome, action_error, degraded, recorded_at`

// Append inserts a ledger entry. A second entry for the same run id is
// rejected by the unique index and reported as domain.ErrDuplicateRun.
func (r *LedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	classification, err := json.Marshal(entry.Classification)
	if err != nil {
		return fmt.Errorf("failed to marshal classification: %w", err)
	}
	verdict, err := json.Marshal(entry.Verdict)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES (:entry_id, :run_id, :pipeline_name, :source_system, :error_message,
			:classification, :verdict, :decision, :action_outcome, :action_error, :degraded, :recorded_at)
	`
	_, err = r.db.NamedExecContext(ctx, query, map[string]any{
		"entry_id":       entry.EntryID,
		"run_id":         entry.RunID,
		"pipeline_name":  entry.PipelineName,
		"source_system":  entry.SourceSystem,
		"error_message":  entry.ErrorMessage,
		"classification": string(classification),
		"verdict":        string(verdict),
		"decision":       string(entry.Verdict.Decision),
		"action_outcome": string(entry.ActionOutcome),
		"action_error":   entry.ActionError,
		"degraded":       entry.Classification.Degraded,
		"recorded_at":    entry.RecordedAt,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateRun, entry.RunID)
		}
		return fmt.Errorf("%w: %w", domain.ErrLedgerWriteFailed, err)
	}
	return nil
}

// CountRetries counts retry verdicts for a pipeline since the given time.
func (r *LedgerRepo) CountRetries(
	ctx context.Context,
	pipelineName string,
	since time.Time,
) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE pipeline_name = $1 AND decision = 'retry' AND recorded_at >= $2
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, pipelineName, since); err != nil {
		return 0, fmt.Errorf("failed to count retries: %w", err)
	}
	return count, nil
}

// HasBeenProcessed reports whether the run id already has a ledger entry.
func (r *LedgerRepo) HasBeenProcessed(ctx context.Context, runID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE run_id = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, runID); err != nil {
		return false, fmt.Errorf("failed to check run: %w", err)
	}
	return exists, nil
}

// RecentEntries returns entries since the given time, newest first.
func (r *LedgerRepo) RecentEntries(
	ctx context.Context,
	pipelineName string,
	since time.Time,
) ([]*domain.LedgerEntry, error) {
	var (
		rows []ledgerRow
		err  error
	)
	if pipelineName == "" {
		query := `SELECT ` + ledgerColumns + `
			FROM ledger_entries
			WHERE recorded_at >= $1
			ORDER BY recorded_at DESC`
		err = r.db.SelectContext(ctx, &rows, query, since)
	} else {
		query := `SELECT ` + ledgerColumns + `
			FROM ledger_entries
			WHERE pipeline_name = $1 AND recorded_at >= $2
			ORDER BY recorded_at DESC`
		err = r.db.SelectContext(ctx, &rows, query, pipelineName, since)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recent entries: %w", err)
	}

	entries := make([]*domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats summarizes the ledger since the given time.
func (r *LedgerRepo) Stats(ctx context.Context, since time.Time) (domain.LedgerStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE decision = 'retry') AS retries,
			COUNT(*) FILTER (WHERE decision = 'escalate') AS escalations,
			COUNT(*) FILTER (WHERE action_outcome = 'succeeded') AS succeeded,
			COUNT(*) FILTER (WHERE action_outcome = 'failed') AS failed,
			COUNT(*) FILTER (WHERE action_outcome = 'pending') AS pending,
			COUNT(*) FILTER (WHERE degraded) AS degraded
		FROM ledger_entries
		WHERE recorded_at >= $1
	`
	var dest struct {
		Total       int `db:"total"`
		Retries     int `db:"retries"`
		Escalations int `db:"escalations"`
		Succeeded   int `db:"succeeded"`
		Failed      int `db:"failed"`
		Pending     int `db:"pending"`
		Degraded    int `db:"degraded"`
	}
	if err := r.db.GetContext(ctx, &dest, query, since); err != nil {
		return domain.LedgerStats{}, fmt.Errorf("failed to get ledger stats: %w", err)
	}
	return domain.LedgerStats{
		Since:       since,
		Total:       dest.Total,
		Retries:     dest.Retries,
		Escalations: dest.Escalations,
		Succeeded:   dest.Succeeded,
		Failed:      dest.Failed,
		Pending:     dest.Pending,
		Degraded:    dest.Degraded,
	}, nil
}

// Health checks if the database is reachable.
func (r *LedgerRepo) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

func (row ledgerRow) toDomain() (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{
		EntryID:       row.EntryID,
		RunID:         row.RunID,
		PipelineName:  row.PipelineName,
		SourceSystem:  row.SourceSystem,
		ErrorMessage:  row.ErrorMessage,
		ActionOutcome: domain.ActionOutcome(row.ActionOutcome),
		ActionError:   row.ActionError,
		RecordedAt:    row.RecordedAt,
	}
	if err := json.Unmarshal(row.Classification, &entry.Classification); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classification of %s: %w", row.EntryID, err)
	}
	if err := json.Unmarshal(row.Verdict, &entry.Verdict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict of %s: %w", row.EntryID, err)
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
