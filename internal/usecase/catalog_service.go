package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"corpus-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CatalogService registers corpora and services and enqueues their tasks.
type CatalogService struct {
	store    domain.CatalogStore
	notifier domain.ProgressNotifier
	retry    RetryPolicy
	logger   *slog.Logger
	tracer   trace.Tracer
	root     string
}

// Import defaults.
const (
	DefaultImportPattern = "*.tex"
	importBatchSize      = 1000
)

// CatalogOption configures a CatalogService.
type CatalogOption func(*CatalogService)

// WithCorpusRoot resolves relative corpus paths during Import.
func WithCorpusRoot(root string) CatalogOption {
	return func(s *CatalogService) { s.root = root }
}

func NewCatalogService(store domain.CatalogStore, notifier domain.ProgressNotifier, retry RetryPolicy, logger *slog.Logger, opts ...CatalogOption) *CatalogService {
	if notifier == nil {
		notifier = domain.NopNotifier{}
	}
	s := &CatalogService{
		store:    store,
		notifier: notifier,
		retry:    retry,
		logger:   logger.With("component", "catalog"),
		tracer:   otel.Tracer("corpus-dispatch-usecase"),
		root:     ".",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *CatalogService) CreateCorpus(ctx context.Context, c *domain.Corpus) (*domain.Corpus, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateCorpus", trace.WithAttributes(attribute.String("corpus.name", c.Name)))
	defer span.End()

	if err := c.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid corpus")
		return nil, err
	}
	if err := s.retry.do(ctx, "create_corpus", func(ctx context.Context) error { return s.store.CreateCorpus(ctx, c) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create corpus")
		return nil, err
	}
	s.logger.Info("corpus registered", "corpus_id", c.ID, "name", c.Name, "path", c.Path)
	return c, nil
}

func (s *CatalogService) CreateService(ctx context.Context, svc *domain.Service) (*domain.Service, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateService", trace.WithAttributes(attribute.String("service.name", svc.Name)))
	defer span.End()

	if err := svc.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid service")
		return nil, err
	}
	if err := s.retry.do(ctx, "create_service", func(ctx context.Context) error { return s.store.CreateService(ctx, svc) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create service")
		return nil, err
	}
	s.logger.Info("service registered", "service_id", svc.ID, "name", svc.Name, "version", svc.Version)
	return svc, nil
}

func (s *CatalogService) ListCorpora(ctx context.Context) ([]*domain.Corpus, error) {
	var out []*domain.Corpus
	err := s.retry.do(ctx, "list_corpora", func(ctx context.Context) error {
		var err error
		out, err = s.store.ListCorpora(ctx)
		return err
	})
	return out, err
}

func (s *CatalogService) ListServices(ctx context.Context) ([]*domain.Service, error) {
	var out []*domain.Service
	err := s.retry.do(ctx, "list_services", func(ctx context.Context) error {
		var err error
		out, err = s.store.ListServices(ctx)
		return err
	})
	return out, err
}

// Enqueue creates Queued tasks for entries on the named pair. Entries that
// already have a task are skipped; the count of new tasks is returned.
func (s *CatalogService) Enqueue(ctx context.Context, corpusName, serviceName string, entries []string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "service.Enqueue", trace.WithAttributes(
		attribute.String("corpus.name", corpusName),
		attribute.String("service.name", serviceName),
		attribute.Int("entries", len(entries)),
	))
	defer span.End()

	var (
		c   *domain.Corpus
		svc *domain.Service
		n   int64
	)
	err := s.retry.do(ctx, "enqueue", func(ctx context.Context) error {
		var err error
		if c, err = s.store.CorpusByName(ctx, corpusName); err != nil {
			return err
		}
		if svc, err = s.store.ServiceByName(ctx, serviceName); err != nil {
			return err
		}
		n, err = s.store.EnqueueTasks(ctx, c.ID, svc.ID, dedupe(entries))
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue tasks")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("created", n))
	if n > 0 {
		s.logger.Info("tasks enqueued", "corpus", corpusName, "service", serviceName, "created", n)
		s.notifier.Publish(domain.ProgressEvent{Kind: domain.EventEnqueue, CorpusID: c.ID, ServiceID: svc.ID, At: time.Now()})
	}
	return n, nil
}

// Import walks the corpus directory and enqueues every file whose base
// name matches pattern, as a path relative to the corpus directory.
// Entries are sent in batches so huge corpora never sit in one statement.
func (s *CatalogService) Import(ctx context.Context, corpusName, serviceName, pattern string) (int64, error) {
	if pattern == "" {
		pattern = DefaultImportPattern
	}
	ctx, span := s.tracer.Start(ctx, "service.Import", trace.WithAttributes(
		attribute.String("corpus.name", corpusName),
		attribute.String("service.name", serviceName),
		attribute.String("import.pattern", pattern),
	))
	defer span.End()

	if _, err := filepath.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("import pattern %q: %w: %w", pattern, domain.ErrInvalidFilter, err)
	}
	var c *domain.Corpus
	err := s.retry.do(ctx, "corpus_by_name", func(ctx context.Context) error {
		var err error
		if c, err = s.store.CorpusByName(ctx, corpusName); err != nil {
			return err
		}
		_, err = s.store.ServiceByName(ctx, serviceName)
		return err
	})
	if err != nil {
		return 0, err
	}
	base := c.Path
	if !filepath.IsAbs(base) {
		base = filepath.Join(s.root, base)
	}

	var (
		created int64
		scanned int
		batch   = make([]string, 0, importBatchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.Enqueue(ctx, corpusName, serviceName, batch)
		created += n
		batch = batch[:0]
		return err
	}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		scanned++
		batch = append(batch, filepath.ToSlash(rel))
		if len(batch) == importBatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	span.SetAttributes(attribute.Int("import.scanned", scanned), attribute.Int64("created", created))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		return created, fmt.Errorf("import %s from %s: %w", corpusName, base, err)
	}
	s.logger.Info("corpus imported", "corpus", corpusName, "service", serviceName, "path", base, "scanned", scanned, "created", created)
	return created, nil
}

func dedupe(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
