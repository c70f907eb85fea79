package postgres

import (
	"context"
	"errors"

	"corpus-dispatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

const aggregateColumns = `corpus_id, service_id, queued, assigned, no_problem, warning, error, fatal,
	epoch, run_owner, run_description, run_started_at, updated_at`

func scanAggregate(row pgx.Row) (*domain.Aggregate, error) {
	var a domain.Aggregate
	err := row.Scan(&a.CorpusID, &a.ServiceID,
		&a.Queued, &a.Assigned, &a.NoProblem, &a.Warning, &a.Error, &a.Fatal,
		&a.Epoch, &a.RunOwner, &a.RunDescription, &a.RunStartedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// applyDelta adds d to the pair's counters inside tx and returns the row as
// committed by this transaction. The row lock taken here serialises
// concurrent transitions of the same pair, so exactly one of them observes
// the counts that complete a run.
func applyDelta(ctx context.Context, tx pgx.Tx, pair domain.PairKey, d domain.Counts) (*domain.Aggregate, error) {
	return scanAggregate(tx.QueryRow(ctx, `
		INSERT INTO task_aggregates AS a
			(corpus_id, service_id, queued, assigned, no_problem, warning, error, fatal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (corpus_id, service_id) DO UPDATE SET
			queued     = a.queued + EXCLUDED.queued,
			assigned   = a.assigned + EXCLUDED.assigned,
			no_problem = a.no_problem + EXCLUDED.no_problem,
			warning    = a.warning + EXCLUDED.warning,
			error      = a.error + EXCLUDED.error,
			fatal      = a.fatal + EXCLUDED.fatal,
			updated_at = now()
		RETURNING `+aggregateColumns,
		pair.CorpusID, pair.ServiceID, d.Queued, d.Assigned, d.NoProblem, d.Warning, d.Error, d.Fatal))
}

func (s *Store) WriteHistoricalSnapshot(ctx context.Context, run *domain.HistoricalRun) (bool, error) {
	ctx, span := s.start(ctx, "WriteHistoricalSnapshot",
		attribute.Int64("corpus.id", run.CorpusID),
		attribute.Int64("service.id", run.ServiceID),
		attribute.Int64("run.epoch", run.Epoch),
	)
	defer span.End()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO historical_runs
			(corpus_id, service_id, epoch, total, no_problem, warning, error, fatal,
			 started_at, completed_at, owner, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (corpus_id, service_id, epoch) DO NOTHING
		RETURNING id`,
		run.CorpusID, run.ServiceID, run.Epoch, run.Total, run.NoProblem, run.Warning, run.Error, run.Fatal,
		run.StartedAt, run.CompletedAt, run.Owner, run.Description,
	).Scan(&run.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, classify("write historical snapshot", err), "failed to write snapshot")
	}
	return true, nil
}

func (s *Store) PendingSnapshots(ctx context.Context) ([]*domain.Aggregate, error) {
	ctx, span := s.start(ctx, "PendingSnapshots")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT `+aggregateColumns+` FROM task_aggregates a
		WHERE `+completeSQL+`
		  AND NOT EXISTS (
			SELECT 1 FROM historical_runs h
			WHERE h.corpus_id = a.corpus_id AND h.service_id = a.service_id AND h.epoch = a.epoch)
		ORDER BY corpus_id, service_id`)
	if err != nil {
		return nil, fail(span, classify("pending snapshots", err), "failed to query pending snapshots")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Aggregate, error) {
		return scanAggregate(row)
	})
	return out, fail(span, classify("pending snapshots", err), "failed to scan aggregates")
}

// RebuildAggregates recomputes counters from task rows. The table lock makes
// concurrent transitions wait and apply their deltas on top of the rebuilt
// counts, which already exclude their uncommitted task writes.
func (s *Store) RebuildAggregates(ctx context.Context) error {
	ctx, span := s.start(ctx, "RebuildAggregates")
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE task_aggregates IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_aggregates AS a
				(corpus_id, service_id, queued, assigned, no_problem, warning, error, fatal)
			SELECT corpus_id, service_id,
				count(*) FILTER (WHERE status = 'queued'),
				count(*) FILTER (WHERE status = 'assigned'),
				count(*) FILTER (WHERE status = 'no_problem'),
				count(*) FILTER (WHERE status = 'warning'),
				count(*) FILTER (WHERE status = 'error'),
				count(*) FILTER (WHERE status = 'fatal')
			FROM tasks GROUP BY corpus_id, service_id
			ON CONFLICT (corpus_id, service_id) DO UPDATE SET
				queued = EXCLUDED.queued, assigned = EXCLUDED.assigned,
				no_problem = EXCLUDED.no_problem, warning = EXCLUDED.warning,
				error = EXCLUDED.error, fatal = EXCLUDED.fatal, updated_at = now()`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE task_aggregates a SET
				queued = 0, assigned = 0, no_problem = 0, warning = 0, error = 0, fatal = 0, updated_at = now()
			WHERE NOT EXISTS (
				SELECT 1 FROM tasks t WHERE t.corpus_id = a.corpus_id AND t.service_id = a.service_id)`)
		return err
	})
	return fail(span, classify("rebuild aggregates", err), "failed to rebuild aggregates")
}

func (s *Store) Aggregates(ctx context.Context, corpusID, serviceID int64) ([]*domain.Aggregate, error) {
	ctx, span := s.start(ctx, "Aggregates",
		attribute.Int64("corpus.id", corpusID),
		attribute.Int64("service.id", serviceID),
	)
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT `+aggregateColumns+` FROM task_aggregates
		WHERE corpus_id = $1 AND ($2::bigint = 0 OR service_id = $2)
		ORDER BY service_id`, corpusID, serviceID)
	if err != nil {
		return nil, fail(span, classify("aggregates", err), "failed to query aggregates")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Aggregate, error) {
		return scanAggregate(row)
	})
	return out, fail(span, classify("aggregates", err), "failed to scan aggregates")
}

func (s *Store) HistoricalRuns(ctx context.Context, corpusID, serviceID int64, limit int) ([]*domain.HistoricalRun, error) {
	ctx, span := s.start(ctx, "HistoricalRuns",
		attribute.Int64("corpus.id", corpusID),
		attribute.Int64("service.id", serviceID),
	)
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, corpus_id, service_id, epoch, total, no_problem, warning, error, fatal,
		       started_at, completed_at, owner, description
		FROM historical_runs
		WHERE corpus_id = $1 AND ($2::bigint = 0 OR service_id = $2)
		ORDER BY completed_at DESC, id DESC
		LIMIT $3`, corpusID, serviceID, limit)
	if err != nil {
		return nil, fail(span, classify("historical runs", err), "failed to query historical runs")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.HistoricalRun, error) {
		var r domain.HistoricalRun
		err := row.Scan(&r.ID, &r.CorpusID, &r.ServiceID, &r.Epoch, &r.Total,
			&r.NoProblem, &r.Warning, &r.Error, &r.Fatal,
			&r.StartedAt, &r.CompletedAt, &r.Owner, &r.Description)
		return &r, err
	})
	return out, fail(span, classify("historical runs", err), "failed to scan historical runs")
}
