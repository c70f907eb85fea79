package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

const taskColumns = `id, corpus_id, service_id, entry, status, worker_id, attempt, queued_at, assigned_at, completed_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t        domain.Task
		status   string
		workerID *string
	)
	if err := row.Scan(&t.ID, &t.CorpusID, &t.ServiceID, &t.Entry, &status, &workerID,
		&t.Attempt, &t.QueuedAt, &t.AssignedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	if workerID != nil {
		t.WorkerID = *workerID
	}
	return &t, nil
}

// SelectAndAssign claims the oldest queued task of the service. SKIP LOCKED
// lets concurrent callers pass over rows another transaction is claiming,
// so each row goes to exactly one caller.
func (s *Store) SelectAndAssign(ctx context.Context, serviceID int64, workerID string) (*domain.Task, error) {
	ctx, span := s.start(ctx, "SelectAndAssign",
		attribute.Int64("service.id", serviceID),
		attribute.String("worker.id", workerID),
	)
	defer span.End()

	var task *domain.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `
			UPDATE tasks SET
				status = 'assigned', worker_id = $2, attempt = attempt + 1,
				assigned_at = now(), completed_at = NULL
			WHERE status = 'queued' AND id = (
				SELECT id FROM tasks
				WHERE service_id = $1 AND status = 'queued'
				ORDER BY queued_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns, serviceID, workerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		pair := domain.PairKey{CorpusID: t.CorpusID, ServiceID: t.ServiceID}
		if _, err := applyDelta(ctx, tx, pair, domain.TransitionDelta(domain.StatusQueued, domain.StatusAssigned, 1)); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fail(span, classify("select and assign", err), "failed to assign task")
	}
	if task != nil {
		span.SetAttributes(attribute.Int64("task.id", task.ID), attribute.Int("task.attempt", int(task.Attempt)))
	}
	return task, nil
}

// ApplyReport records a terminal status only while the task is still held
// by the reporting worker under the reported attempt.
func (s *Store) ApplyReport(ctx context.Context, r *domain.Report) (*domain.Transition, error) {
	ctx, span := s.start(ctx, "ApplyReport",
		attribute.Int64("task.id", r.TaskID),
		attribute.String("worker.id", r.WorkerID),
		attribute.String("task.status", string(r.Status)),
	)
	defer span.End()

	var tr *domain.Transition
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var pair domain.PairKey
		var attempt int32
		err := tx.QueryRow(ctx, `
			UPDATE tasks SET status = $4, completed_at = now()
			WHERE id = $1 AND status = 'assigned' AND worker_id = $2 AND attempt = $3
			RETURNING corpus_id, service_id, attempt`,
			r.TaskID, r.WorkerID, r.Attempt, string(r.Status),
		).Scan(&pair.CorpusID, &pair.ServiceID, &attempt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %d: %w", r.TaskID, domain.ErrStaleReport)
		}
		if err != nil {
			return err
		}
		if err := insertMessages(ctx, tx, r.TaskID, attempt, r.Messages); err != nil {
			return err
		}
		agg, err := applyDelta(ctx, tx, pair, domain.TransitionDelta(domain.StatusAssigned, r.Status, 1))
		if err != nil {
			return err
		}
		tr = &domain.Transition{TaskID: r.TaskID, From: domain.StatusAssigned, To: r.Status, Aggregate: *agg}
		return nil
	})
	if err != nil {
		return nil, fail(span, classify("apply report", err), "failed to apply report")
	}
	return tr, nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, taskID int64, attempt int32, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(msgs))
	for i, m := range msgs {
		rows = append(rows, []any{taskID, attempt, int32(i + 1), string(m.Severity), m.Category, m.What, m.Details})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"task_messages"},
		[]string{"task_id", "attempt", "seq", "severity", "category", "what", "details"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// BulkRequeue resets every matching task in a single statement. The CTE
// locks the targets, so a report racing on the same task either commits
// first (and the task then no longer matches or matches with its new
// status) or waits and is rejected afterwards as stale.
func (s *Store) BulkRequeue(ctx context.Context, f *domain.RequeueFilter) (*domain.RequeueResult, error) {
	ctx, span := s.start(ctx, "BulkRequeue",
		attribute.Int64("corpus.id", f.CorpusID),
		attribute.Int64("service.id", f.ServiceID),
	)
	defer span.End()

	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}

	res := &domain.RequeueResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if f.Token != "" {
			done, err := replayRerun(ctx, tx, f.Token, res)
			if err != nil || done {
				return err
			}
		}
		rows, err := tx.Query(ctx, `
			WITH target AS (
				SELECT t.id, t.corpus_id, t.service_id, t.status, t.attempt, t.completed_at
				FROM tasks t
				WHERE ($1::bigint = 0 OR t.corpus_id = $1)
				  AND ($2::bigint = 0 OR t.service_id = $2)
				  AND t.status = ANY($3::text[])
				  AND (($4::text = '' AND $5::text = '' AND $6::text = '') OR EXISTS (
					SELECT 1 FROM task_messages m
					WHERE m.task_id = t.id AND m.attempt = t.attempt
					  AND ($4 = '' OR m.severity = $4)
					  AND ($5 = '' OR m.category = $5)
					  AND ($6 = '' OR m.what = $6)))
				FOR UPDATE OF t
			), saved AS (
				INSERT INTO task_history (task_id, attempt, status, completed_at)
				SELECT id, attempt, status, completed_at FROM target
			), moved AS (
				UPDATE tasks t SET
					status = 'queued', worker_id = NULL, assigned_at = NULL,
					completed_at = NULL, queued_at = now()
				FROM target
				WHERE t.id = target.id
				RETURNING target.corpus_id, target.service_id, target.status AS prev
			)
			SELECT corpus_id, service_id, prev, count(*) FROM moved GROUP BY 1, 2, 3 ORDER BY 1, 2`,
			f.CorpusID, f.ServiceID, statuses, f.Severity, f.Category, f.What)
		if err != nil {
			return err
		}
		type group struct {
			pair domain.PairKey
			prev string
			n    int64
		}
		groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (group, error) {
			var g group
			err := row.Scan(&g.pair.CorpusID, &g.pair.ServiceID, &g.prev, &g.n)
			return g, err
		})
		if err != nil {
			return err
		}

		deltas := make(map[domain.PairKey]domain.Counts)
		var order []domain.PairKey
		for _, g := range groups {
			if _, ok := deltas[g.pair]; !ok {
				order = append(order, g.pair)
			}
			deltas[g.pair] = deltas[g.pair].Plus(domain.TransitionDelta(domain.TaskStatus(g.prev), domain.StatusQueued, g.n))
			res.Affected += g.n
		}
		for _, pair := range order {
			if _, err := tx.Exec(ctx, `
				UPDATE task_aggregates SET
					epoch = epoch + 1, run_owner = $3, run_description = $4, run_started_at = now()
				WHERE corpus_id = $1 AND service_id = $2`,
				pair.CorpusID, pair.ServiceID, f.Owner, f.Description); err != nil {
				return err
			}
			if _, err := applyDelta(ctx, tx, pair, deltas[pair]); err != nil {
				return err
			}
		}
		res.Pairs = order
		if f.Token != "" {
			return recordRerun(ctx, tx, f.Token, res)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, classify("bulk requeue", err), "failed to requeue tasks")
	}
	span.SetAttributes(attribute.Int64("tasks.affected", res.Affected))
	return res, nil
}

// replayRerun serializes requeues sharing a token and loads the stored
// result when an earlier attempt already committed.
func replayRerun(ctx context.Context, tx pgx.Tx, token string, res *domain.RequeueResult) (bool, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token); err != nil {
		return false, err
	}
	var corpusIDs, serviceIDs []int64
	err := tx.QueryRow(ctx, `SELECT affected, corpus_ids, service_ids FROM reruns WHERE token = $1`, token).
		Scan(&res.Affected, &corpusIDs, &serviceIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for i := range corpusIDs {
		res.Pairs = append(res.Pairs, domain.PairKey{CorpusID: corpusIDs[i], ServiceID: serviceIDs[i]})
	}
	return true, nil
}

func recordRerun(ctx context.Context, tx pgx.Tx, token string, res *domain.RequeueResult) error {
	corpusIDs := make([]int64, 0, len(res.Pairs))
	serviceIDs := make([]int64, 0, len(res.Pairs))
	for _, p := range res.Pairs {
		corpusIDs = append(corpusIDs, p.CorpusID)
		serviceIDs = append(serviceIDs, p.ServiceID)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reruns (token, affected, corpus_ids, service_ids) VALUES ($1, $2, $3, $4)`,
		token, res.Affected, corpusIDs, serviceIDs)
	return err
}

// Reclaim resets stalled assignments. Rows locked by an in-flight report are
// skipped; the next sweep picks them up if they are still stalled.
func (s *Store) Reclaim(ctx context.Context, f *domain.ReclaimFilter) (*domain.ReclaimResult, error) {
	res := &domain.ReclaimResult{}
	if f.Empty() {
		return res, nil
	}
	ctx, span := s.start(ctx, "Reclaim",
		attribute.Int("workers", len(f.WorkerIDs)),
		attribute.Int("live_workers", len(f.LiveWorkerIDs)),
	)
	defer span.End()

	workerIDs := f.WorkerIDs
	if workerIDs == nil {
		workerIDs = []string{}
	}
	liveIDs := f.LiveWorkerIDs
	if liveIDs == nil {
		liveIDs = []string{}
	}
	trackedIDs := f.TrackedTaskIDs
	if trackedIDs == nil {
		trackedIDs = []int64{}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH target AS (
				SELECT id, attempt FROM tasks
				WHERE status = 'assigned' AND (
					worker_id = ANY($1::text[])
					OR ($2::timestamptz IS NOT NULL AND assigned_at < $2)
					OR ($3::timestamptz IS NOT NULL AND assigned_at < $3 AND worker_id <> ALL($4::text[]))
					OR ($6::timestamptz IS NOT NULL AND assigned_at < $6 AND worker_id = ANY($4::text[])
						AND id <> ALL($7::bigint[])))
				FOR UPDATE SKIP LOCKED
			), moved AS (
				UPDATE tasks t SET
					status       = CASE WHEN $5 > 0 AND target.attempt >= $5 THEN 'fatal' ELSE 'queued' END,
					worker_id    = CASE WHEN $5 > 0 AND target.attempt >= $5 THEN t.worker_id END,
					assigned_at  = CASE WHEN $5 > 0 AND target.attempt >= $5 THEN t.assigned_at END,
					completed_at = CASE WHEN $5 > 0 AND target.attempt >= $5 THEN now() END,
					queued_at    = CASE WHEN $5 > 0 AND target.attempt >= $5 THEN t.queued_at ELSE now() END
				FROM target
				WHERE t.id = target.id
				RETURNING t.id, t.corpus_id, t.service_id, t.status, t.attempt
			)
			SELECT id, corpus_id, service_id, status, attempt FROM moved ORDER BY corpus_id, service_id, id`,
			workerIDs, nullTime(f.AssignedBefore), nullTime(f.OrphanedBefore), liveIDs, f.MaxAttempts,
			nullTime(f.UntrackedBefore), trackedIDs)
		if err != nil {
			return err
		}
		type moved struct {
			id      int64
			pair    domain.PairKey
			status  string
			attempt int32
		}
		all, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (moved, error) {
			var m moved
			err := row.Scan(&m.id, &m.pair.CorpusID, &m.pair.ServiceID, &m.status, &m.attempt)
			return m, err
		})
		if err != nil {
			return err
		}

		deltas := make(map[domain.PairKey]domain.Counts)
		var order []domain.PairKey
		failed := make(map[domain.PairKey][]int64)
		for _, m := range all {
			if _, ok := deltas[m.pair]; !ok {
				order = append(order, m.pair)
			}
			to := domain.TaskStatus(m.status)
			deltas[m.pair] = deltas[m.pair].Plus(domain.TransitionDelta(domain.StatusAssigned, to, 1))
			if to == domain.StatusFatal {
				if err := insertMessages(ctx, tx, m.id, m.attempt, []domain.Message{exhaustedMessage(m.attempt)}); err != nil {
					return err
				}
				failed[m.pair] = append(failed[m.pair], m.id)
				continue
			}
			res.Requeued++
		}
		for _, pair := range order {
			agg, err := applyDelta(ctx, tx, pair, deltas[pair])
			if err != nil {
				return err
			}
			for _, id := range failed[pair] {
				res.Failed = append(res.Failed, &domain.Transition{
					TaskID: id, From: domain.StatusAssigned, To: domain.StatusFatal, Aggregate: *agg,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, classify("reclaim", err), "failed to reclaim tasks")
	}
	span.SetAttributes(attribute.Int64("tasks.requeued", res.Requeued), attribute.Int("tasks.failed", len(res.Failed)))
	return res, nil
}

func (s *Store) Task(ctx context.Context, id int64) (*domain.Task, error) {
	ctx, span := s.start(ctx, "Task", attribute.Int64("task.id", id))
	defer span.End()

	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return t, fail(span, classify("get task", err), "failed to get task")
}

func (s *Store) TaskMessages(ctx context.Context, taskID int64) ([]*domain.Message, error) {
	ctx, span := s.start(ctx, "TaskMessages", attribute.Int64("task.id", taskID))
	defer span.End()

	if _, err := s.Task(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, attempt, seq, severity, category, what, details, created_at
		FROM task_messages
		WHERE task_id = $1 AND attempt = (SELECT max(attempt) FROM task_messages WHERE task_id = $1)
		ORDER BY seq`, taskID)
	if err != nil {
		return nil, fail(span, classify("list messages", err), "failed to list messages")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Message, error) {
		var m domain.Message
		var severity string
		err := row.Scan(&m.TaskID, &m.Attempt, &m.Seq, &severity, &m.Category, &m.What, &m.Details, &m.CreatedAt)
		m.Severity = domain.Severity(severity)
		return &m, err
	})
	return out, fail(span, classify("list messages", err), "failed to scan messages")
}

func exhaustedMessage(attempts int32) domain.Message {
	return domain.Message{
		Severity: domain.SeverityFatal,
		Category: domain.ReclaimCategory,
		What:     domain.ReclaimWhat,
		Details:  fmt.Sprintf("task was handed out %d times and never reported", attempts),
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
