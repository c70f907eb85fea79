// Package postgres implements domain.TaskStore on PostgreSQL through pgx.
// Every state transition is one conditional statement inside a short
// transaction that also adjusts the pair's aggregate row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"corpus-dispatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is a pgx backed domain.TaskStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.TaskStore = (*Store)(nil)

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With("component", "postgres-store"),
		tracer: otel.Tracer("corpus-dispatch-postgres"),
	}
}

func (s *Store) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "repo.postgres."+name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error, msg string) error {
	if err != nil && !errors.Is(err, domain.ErrStaleReport) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
	return err
}

func (s *Store) CreateCorpus(ctx context.Context, c *domain.Corpus) error {
	ctx, span := s.start(ctx, "CreateCorpus", attribute.String("corpus.name", c.Name))
	defer span.End()

	err := s.pool.QueryRow(ctx,
		`INSERT INTO corpora (name, path, description) VALUES ($1, $2, $3) RETURNING id, created_at`,
		c.Name, c.Path, c.Description,
	).Scan(&c.ID, &c.CreatedAt)
	return fail(span, classify("create corpus "+c.Name, err), "failed to insert corpus")
}

const corpusColumns = `id, name, path, description, created_at`

func scanCorpus(row pgx.Row) (*domain.Corpus, error) {
	var c domain.Corpus
	if err := row.Scan(&c.ID, &c.Name, &c.Path, &c.Description, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Corpus(ctx context.Context, id int64) (*domain.Corpus, error) {
	ctx, span := s.start(ctx, "Corpus", attribute.Int64("corpus.id", id))
	defer span.End()

	c, err := scanCorpus(s.pool.QueryRow(ctx, `SELECT `+corpusColumns+` FROM corpora WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("corpus %d: %w", id, domain.ErrUnknownCorpus)
	}
	return c, fail(span, classify("get corpus", err), "failed to get corpus")
}

func (s *Store) CorpusByName(ctx context.Context, name string) (*domain.Corpus, error) {
	ctx, span := s.start(ctx, "CorpusByName", attribute.String("corpus.name", name))
	defer span.End()

	c, err := scanCorpus(s.pool.QueryRow(ctx, `SELECT `+corpusColumns+` FROM corpora WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("corpus %q: %w", name, domain.ErrUnknownCorpus)
	}
	return c, fail(span, classify("get corpus", err), "failed to get corpus")
}

func (s *Store) ListCorpora(ctx context.Context) ([]*domain.Corpus, error) {
	ctx, span := s.start(ctx, "ListCorpora")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+corpusColumns+` FROM corpora ORDER BY name`)
	if err != nil {
		return nil, fail(span, classify("list corpora", err), "failed to list corpora")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Corpus, error) {
		return scanCorpus(row)
	})
	return out, fail(span, classify("list corpora", err), "failed to scan corpora")
}

func (s *Store) CreateService(ctx context.Context, svc *domain.Service) error {
	ctx, span := s.start(ctx, "CreateService", attribute.String("service.name", svc.Name))
	defer span.End()

	err := s.pool.QueryRow(ctx,
		`INSERT INTO services (name, version, params, description) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		svc.Name, svc.Version, svc.Params, svc.Description,
	).Scan(&svc.ID, &svc.CreatedAt)
	return fail(span, classify("create service "+svc.Name, err), "failed to insert service")
}

const serviceColumns = `id, name, version, params, description, created_at`

func scanService(row pgx.Row) (*domain.Service, error) {
	var svc domain.Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Version, &svc.Params, &svc.Description, &svc.CreatedAt); err != nil {
		return nil, err
	}
	if svc.Params == nil {
		svc.Params = map[string]string{}
	}
	return &svc, nil
}

func (s *Store) Service(ctx context.Context, id int64) (*domain.Service, error) {
	ctx, span := s.start(ctx, "Service", attribute.Int64("service.id", id))
	defer span.End()

	svc, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("service %d: %w", id, domain.ErrUnknownService)
	}
	return svc, fail(span, classify("get service", err), "failed to get service")
}

func (s *Store) ServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	ctx, span := s.start(ctx, "ServiceByName", attribute.String("service.name", name))
	defer span.End()

	svc, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("service %q: %w", name, domain.ErrUnknownService)
	}
	return svc, fail(span, classify("get service", err), "failed to get service")
}

func (s *Store) ListServices(ctx context.Context) ([]*domain.Service, error) {
	ctx, span := s.start(ctx, "ListServices")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name`)
	if err != nil {
		return nil, fail(span, classify("list services", err), "failed to list services")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Service, error) {
		return scanService(row)
	})
	return out, fail(span, classify("list services", err), "failed to scan services")
}

// EnqueueTasks inserts the entries and bumps the pair's queued count in one
// transaction. Adding work to a completed pair opens a new run.
func (s *Store) EnqueueTasks(ctx context.Context, corpusID, serviceID int64, entries []string) (int64, error) {
	ctx, span := s.start(ctx, "EnqueueTasks",
		attribute.Int64("corpus.id", corpusID),
		attribute.Int64("service.id", serviceID),
		attribute.Int("entries", len(entries)),
	)
	defer span.End()

	var created int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO tasks (corpus_id, service_id, entry)
			SELECT $1, $2, e FROM unnest($3::text[]) AS e
			ON CONFLICT (corpus_id, service_id, entry) DO NOTHING`,
			corpusID, serviceID, entries)
		if err != nil {
			return err
		}
		created = tag.RowsAffected()
		if created == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO task_aggregates AS a (corpus_id, service_id, queued) VALUES ($1, $2, $3)
			ON CONFLICT (corpus_id, service_id) DO UPDATE SET
				epoch          = a.epoch + CASE WHEN `+completeSQL+` THEN 1 ELSE 0 END,
				run_owner      = CASE WHEN `+completeSQL+` THEN '' ELSE a.run_owner END,
				run_description = CASE WHEN `+completeSQL+` THEN '' ELSE a.run_description END,
				run_started_at = CASE WHEN `+completeSQL+` THEN now() ELSE a.run_started_at END,
				queued         = a.queued + EXCLUDED.queued,
				updated_at     = now()`,
			corpusID, serviceID, created)
		return err
	})
	if err != nil {
		return 0, fail(span, classify("enqueue tasks", err), "failed to enqueue tasks")
	}
	span.SetAttributes(attribute.Int64("tasks.created", created))
	return created, nil
}

// completeSQL is true for an aggregate row `a` whose run has finished.
const completeSQL = `(a.queued + a.assigned = 0 AND a.no_problem + a.warning + a.error + a.fatal > 0)`
