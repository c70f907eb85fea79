package http

import (
	"corpus-dispatch/internal/domain"
)

// CreateCorpusRequest registers a corpus.
type CreateCorpusRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=128"`
	Path        string `json:"path" validate:"required"`
	Description string `json:"description" validate:"max=1024"`
}

func (r *CreateCorpusRequest) ToDomainCorpus() *domain.Corpus {
	return &domain.Corpus{Name: r.Name, Path: r.Path, Description: r.Description}
}

// ExecutorRequest configures how the reference worker runs a service.
type ExecutorRequest struct {
	Type    string `json:"type" validate:"omitempty,oneof=shell http"`
	Command string `json:"command"`
	URL     string `json:"url" validate:"omitempty,url"`
	Method  string `json:"method" validate:"omitempty,oneof=GET POST PUT"`
	Timeout string `json:"timeout" validate:"omitempty,duration"`
}

// CreateServiceRequest registers a service.
type CreateServiceRequest struct {
	Name        string            `json:"name" validate:"required,min=1,max=128"`
	Version     string            `json:"version" validate:"max=32"`
	Description string            `json:"description" validate:"max=1024"`
	Executor    *ExecutorRequest  `json:"executor,omitempty" validate:"omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// ToDomainService folds the executor settings into the service params.
func (r *CreateServiceRequest) ToDomainService() *domain.Service {
	params := make(map[string]string, len(r.Params)+4)
	for k, v := range r.Params {
		params[k] = v
	}
	if e := r.Executor; e != nil {
		set := func(k, v string) {
			if v != "" {
				params[k] = v
			}
		}
		set("executor", e.Type)
		set("command", e.Command)
		set("url", e.URL)
		set("method", e.Method)
		set("timeout", e.Timeout)
	}
	return &domain.Service{Name: r.Name, Version: r.Version, Description: r.Description, Params: params}
}

// EnqueueRequest adds task entries to a (corpus, service) pair.
type EnqueueRequest struct {
	Entries []string `json:"entries" validate:"required,min=1,max=100000,dive,required,max=4096"`
}

type EnqueueResponse struct {
	Created int64 `json:"created"`
}

// RerunRequest is the operator's Mark/Rerun trigger.
type RerunRequest struct {
	Corpus      string   `json:"corpus" validate:"max=128"`
	Service     string   `json:"service" validate:"max=128"`
	Statuses    []string `json:"statuses" validate:"dive,taskstatus"`
	Severity    string   `json:"severity" validate:"omitempty,oneof=info warning error fatal invalid"`
	Category    string   `json:"category" validate:"max=50"`
	What        string   `json:"what" validate:"max=50"`
	Owner       string   `json:"owner" validate:"max=128"`
	Description string   `json:"description" validate:"max=1024"`
}

// ToDomainFilter assumes the request passed validation.
func (r *RerunRequest) ToDomainFilter() domain.RerunFilter {
	f := domain.RerunFilter{
		Corpus:      r.Corpus,
		Service:     r.Service,
		Severity:    r.Severity,
		Category:    r.Category,
		What:        r.What,
		Owner:       r.Owner,
		Description: r.Description,
	}
	for _, s := range r.Statuses {
		st, _ := domain.ParseTaskStatus(s)
		f.Statuses = append(f.Statuses, st)
	}
	return f
}

type RerunResponse struct {
	Affected int64 `json:"affected"`
}

// ImportRequest walks the corpus directory for files matching Pattern.
type ImportRequest struct {
	Pattern string `json:"pattern" validate:"max=256"`
}

// ReportQuery is read from the query string of the report route.
type ReportQuery struct {
	Severity string `validate:"omitempty,oneof=info warning error fatal invalid"`
	Category string `validate:"max=50"`
	What     string `validate:"max=50"`
	Offset   int    `validate:"gte=0"`
	Limit    int    `validate:"gte=0,lte=1000"`
}

func (q *ReportQuery) ToDomainFilter() domain.ReportFilter {
	return domain.ReportFilter{
		Severity: q.Severity,
		Category: q.Category,
		What:     q.What,
		Offset:   q.Offset,
		Limit:    q.Limit,
	}
}
