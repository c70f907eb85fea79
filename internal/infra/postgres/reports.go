package postgres

import (
	"context"

	"corpus-dispatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

// latestMessages scopes a report to the final attempt of completed tasks.
// $1 corpus, $2 service, $3 severity, $4 category, $5 what.
const latestMessages = `
	WITH latest AS (
		SELECT m.task_id, m.seq, m.severity, m.category, m.what, m.details, t.entry
		FROM tasks t
		JOIN task_messages m ON m.task_id = t.id AND m.attempt = t.attempt
		WHERE t.corpus_id = $1 AND t.service_id = $2
		  AND t.status IN ('no_problem', 'warning', 'error', 'fatal')
	), picked AS (
		SELECT * FROM latest
		WHERE ($3::text = '' OR severity = $3)
		  AND ($4::text = '' OR category = $4)
		  AND ($5::text = '' OR what = $5)
	)`

// TaskReport computes one drilldown level in a single snapshot.
func (s *Store) TaskReport(ctx context.Context, f *domain.ReportFilter) (*domain.TaskReport, error) {
	ctx, span := s.start(ctx, "TaskReport",
		attribute.Int64("corpus.id", f.CorpusID),
		attribute.Int64("service.id", f.ServiceID),
		attribute.String("report.severity", f.Severity),
		attribute.String("report.category", f.Category),
	)
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultReportPageSize
	}
	rep := &domain.TaskReport{Severity: f.Severity, Category: f.Category, What: f.What}
	args := []any{f.CorpusID, f.ServiceID, f.Severity, f.Category, f.What}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, latestMessages+`
			SELECT count(DISTINCT task_id) FROM picked`, args...).Scan(&rep.Tasks); err != nil {
			return err
		}
		if f.EntryLevel() {
			rows, err := tx.Query(ctx, latestMessages+`
				SELECT DISTINCT ON (entry, task_id) task_id, entry, details
				FROM picked
				ORDER BY entry, task_id, seq
				OFFSET $6 LIMIT $7`, append(args, max(f.Offset, 0), limit)...)
			if err != nil {
				return err
			}
			rep.Entries, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ReportEntry, error) {
				var e domain.ReportEntry
				err := row.Scan(&e.TaskID, &e.Entry, &e.Details)
				return &e, err
			})
			return err
		}
		rows, err := tx.Query(ctx, latestMessages+`
			SELECT CASE WHEN $3 = '' THEN severity WHEN $4 = '' THEN category ELSE what END AS name,
			       count(DISTINCT task_id), count(*)
			FROM picked
			GROUP BY 1
			ORDER BY 2 DESC, 1`, args...)
		if err != nil {
			return err
		}
		rep.Rows, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ReportRow, error) {
			var r domain.ReportRow
			err := row.Scan(&r.Name, &r.Tasks, &r.Messages)
			return &r, err
		})
		return err
	})
	if err != nil {
		return nil, fail(span, classify("task report", err), "failed to build task report")
	}
	return rep, nil
}

// TaskHistory lists the snapshots taken by reruns of a task.
func (s *Store) TaskHistory(ctx context.Context, taskID int64) ([]*domain.HistoricalTask, error) {
	ctx, span := s.start(ctx, "TaskHistory", attribute.Int64("task.id", taskID))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, attempt, status, completed_at, saved_at
		FROM task_history
		WHERE task_id = $1
		ORDER BY id DESC`, taskID)
	if err != nil {
		return nil, fail(span, classify("task history", err), "failed to query task history")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.HistoricalTask, error) {
		var h domain.HistoricalTask
		var status string
		err := row.Scan(&h.ID, &h.TaskID, &h.Attempt, &status, &h.CompletedAt, &h.SavedAt)
		h.Status = domain.TaskStatus(status)
		return &h, err
	})
	return out, fail(span, classify("task history", err), "failed to scan task history")
}
