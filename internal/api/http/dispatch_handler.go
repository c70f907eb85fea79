// internal/api/http/dispatch_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/metrics"
	"corpus-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Catalog manages corpora, services and the task rows under them.
type Catalog interface {
	CreateCorpus(ctx context.Context, c *domain.Corpus) (*domain.Corpus, error)
	CreateService(ctx context.Context, s *domain.Service) (*domain.Service, error)
	ListCorpora(ctx context.Context) ([]*domain.Corpus, error)
	ListServices(ctx context.Context) ([]*domain.Service, error)
	Enqueue(ctx context.Context, corpus, service string, entries []string) (int64, error)
	Import(ctx context.Context, corpus, service, pattern string) (int64, error)
}

// Reports answers the dashboard queries.
type Reports interface {
	Progress(ctx context.Context, corpus, service string, historyLimit int) ([]*usecase.PairProgress, error)
	History(ctx context.Context, corpus, service string, limit int) ([]*domain.HistoricalRun, error)
	TaskDetail(ctx context.Context, id int64) (*usecase.TaskDetail, error)
	TaskReport(ctx context.Context, corpus, service string, f domain.ReportFilter) (*domain.TaskReport, error)
	Workers() []*domain.WorkerMetadata
}

// Rerunner is the operator's bulk requeue trigger.
type Rerunner interface {
	MarkRerun(ctx context.Context, f domain.RerunFilter) (int64, error)
}

const (
	defaultHistory = 10
	maxHistory     = 500
)

// DispatchHandler serves the operator API.
type DispatchHandler struct {
	catalog  Catalog
	reports  Reports
	rerunner Rerunner
	feed     http.Handler
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewDispatchHandler wires the handler. feed may be nil, in which case
// /feed is not served.
func NewDispatchHandler(catalog Catalog, reports Reports, rerunner Rerunner, feed http.Handler, logger *slog.Logger) *DispatchHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	_ = validate.RegisterValidation("taskstatus", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseTaskStatus(fl.Field().String())
		return err == nil
	})

	return &DispatchHandler{
		catalog:  catalog,
		reports:  reports,
		rerunner: rerunner,
		feed:     feed,
		logger:   logger.With("component", "dispatch-handler"),
		validate: validate,
		tracer:   otel.Tracer("corpus-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the operator routes on mux.
func (h *DispatchHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /healthz", h.handleHealth},
		{"GET /corpora", h.handleListCorpora},
		{"POST /corpora", h.handleCreateCorpus},
		{"GET /services", h.handleListServices},
		{"POST /services", h.handleCreateService},
		{"POST /corpora/{corpus}/services/{service}/tasks", h.handleEnqueue},
		{"POST /corpora/{corpus}/services/{service}/import", h.handleImport},
		{"GET /corpora/{corpus}/services/{service}/report", h.handleTaskReport},
		{"GET /corpora/{corpus}/progress", h.handleProgress},
		{"GET /corpora/{corpus}/services/{service}/history", h.handleHistory},
		{"GET /tasks/{id}", h.handleGetTask},
		{"POST /reruns", h.handleRerun},
		{"GET /workers", h.handleListWorkers},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, h.instrument(rt.handler))
	}
	if h.feed != nil {
		// websocket upgrades need the raw writer
		mux.Handle("GET /feed", h.feed)
	}
}

func (h *DispatchHandler) instrument(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Pattern, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(r.Pattern, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func (h *DispatchHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DispatchHandler) handleListCorpora(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListCorpora")
	defer span.End()

	corpora, err := h.catalog.ListCorpora(ctx)
	if err != nil {
		h.fail(w, span, "error listing corpora", err)
		return
	}
	writeJSON(w, http.StatusOK, corpora)
}

func (h *DispatchHandler) handleCreateCorpus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateCorpus")
	defer span.End()

	var req CreateCorpusRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	span.SetAttributes(attribute.String("corpus.name", req.Name))

	corpus, err := h.catalog.CreateCorpus(ctx, req.ToDomainCorpus())
	if err != nil {
		h.fail(w, span, "error creating corpus", err)
		return
	}
	writeJSON(w, http.StatusCreated, corpus)
}

func (h *DispatchHandler) handleListServices(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListServices")
	defer span.End()

	services, err := h.catalog.ListServices(ctx)
	if err != nil {
		h.fail(w, span, "error listing services", err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *DispatchHandler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CreateService")
	defer span.End()

	var req CreateServiceRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	span.SetAttributes(attribute.String("service.name", req.Name))

	svc, err := h.catalog.CreateService(ctx, req.ToDomainService())
	if err != nil {
		h.fail(w, span, "error creating service", err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (h *DispatchHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Enqueue")
	defer span.End()

	corpus, service := r.PathValue("corpus"), r.PathValue("service")
	span.SetAttributes(attribute.String("corpus.name", corpus), attribute.String("service.name", service))

	var req EnqueueRequest
	if !h.decode(w, r, span, &req) {
		return
	}

	n, err := h.catalog.Enqueue(ctx, corpus, service, req.Entries)
	if err != nil {
		h.fail(w, span, "error enqueueing tasks", err)
		return
	}
	span.SetAttributes(attribute.Int64("tasks.created", n))
	writeJSON(w, http.StatusCreated, EnqueueResponse{Created: n})
}

func (h *DispatchHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Import")
	defer span.End()

	corpus, service := r.PathValue("corpus"), r.PathValue("service")
	span.SetAttributes(attribute.String("corpus.name", corpus), attribute.String("service.name", service))

	var req ImportRequest
	if !h.decode(w, r, span, &req) {
		return
	}

	n, err := h.catalog.Import(ctx, corpus, service, req.Pattern)
	if err != nil {
		h.fail(w, span, "error importing corpus", err)
		return
	}
	span.SetAttributes(attribute.Int64("tasks.created", n))
	writeJSON(w, http.StatusCreated, EnqueueResponse{Created: n})
}

func (h *DispatchHandler) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.TaskReport")
	defer span.End()

	corpus, service := r.PathValue("corpus"), r.PathValue("service")
	span.SetAttributes(attribute.String("corpus.name", corpus), attribute.String("service.name", service))

	q := r.URL.Query()
	req := ReportQuery{Severity: q.Get("severity"), Category: q.Get("category"), What: q.Get("what")}
	var err error
	if req.Offset, err = intParam(q.Get("offset")); err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rep, err := h.reports.TaskReport(ctx, corpus, service, req.ToDomainFilter())
	if err != nil {
		h.fail(w, span, "error building task report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *DispatchHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Progress")
	defer span.End()

	corpus := r.PathValue("corpus")
	service := r.URL.Query().Get("service")
	limit := historyLimit(r, 0)
	span.SetAttributes(attribute.String("corpus.name", corpus), attribute.Int("history", limit))

	progress, err := h.reports.Progress(ctx, corpus, service, limit)
	if err != nil {
		h.fail(w, span, "error reading progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *DispatchHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.History")
	defer span.End()

	corpus, service := r.PathValue("corpus"), r.PathValue("service")
	limit := historyLimit(r, defaultHistory)
	span.SetAttributes(attribute.String("corpus.name", corpus), attribute.String("service.name", service))

	runs, err := h.reports.History(ctx, corpus, service, limit)
	if err != nil {
		h.fail(w, span, "error reading history", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *DispatchHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("task.id", id))

	detail, err := h.reports.TaskDetail(ctx, id)
	if err != nil {
		h.fail(w, span, "error reading task", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *DispatchHandler) handleRerun(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Rerun")
	defer span.End()

	var req RerunRequest
	if !h.decode(w, r, span, &req) {
		return
	}
	span.SetAttributes(attribute.String("corpus.name", req.Corpus), attribute.String("service.name", req.Service))

	affected, err := h.rerunner.MarkRerun(ctx, req.ToDomainFilter())
	if err != nil {
		h.fail(w, span, "error marking rerun", err)
		return
	}
	span.SetAttributes(attribute.Int64("tasks.affected", affected))
	h.logger.Info("rerun requested", "corpus", req.Corpus, "service", req.Service, "owner", req.Owner, "affected", affected)
	writeJSON(w, http.StatusOK, RerunResponse{Affected: affected})
}

func (h *DispatchHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListWorkers")
	defer span.End()

	workers := h.reports.Workers()
	if workers == nil {
		workers = []*domain.WorkerMetadata{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// decode reads and validates a JSON body into dst, answering 400 itself
// when that fails.
func (h *DispatchHandler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return false
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": details,
		})
		return false
	}
	return true
}

func (h *DispatchHandler) fail(w http.ResponseWriter, span trace.Span, msg string, err error) {
	span.SetStatus(codes.Error, msg)
	span.RecordError(err)

	code := statusFor(err)
	if code >= 500 {
		h.logger.Error(msg, "error", err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	h.logger.Warn(msg, "error", err)
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownCorpus),
		errors.Is(err, domain.ErrUnknownService),
		errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func historyLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("history")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return min(n, maxHistory)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
