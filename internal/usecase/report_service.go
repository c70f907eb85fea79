package usecase

import (
	"context"
	"fmt"

	"corpus-dispatch/internal/domain"
)

// PairProgress is one (corpus, service) row of a progress report.
type PairProgress struct {
	Corpus    string                  `json:"corpus"`
	Service   string                  `json:"service"`
	Aggregate *domain.Aggregate       `json:"aggregate"`
	Complete  bool                    `json:"complete"`
	History   []*domain.HistoricalRun `json:"history,omitempty"`
}

// TaskDetail is a task with the messages of its latest attempt and the
// states it held before each earlier rerun.
type TaskDetail struct {
	Task     *domain.Task             `json:"task"`
	Messages []*domain.Message        `json:"messages"`
	History  []*domain.HistoricalTask `json:"history"`
}

// WorkerLister is satisfied by Manager.
type WorkerLister interface {
	Workers() []*domain.WorkerMetadata
}

// ReportService answers the read-only queries behind the dashboard.
type ReportService struct {
	store   domain.TaskStore
	workers WorkerLister
	retry   RetryPolicy
}

func NewReportService(store domain.TaskStore, workers WorkerLister, retry RetryPolicy) *ReportService {
	return &ReportService{store: store, workers: workers, retry: retry}
}

// Progress returns the aggregates of corpusName, optionally restricted to
// one service, each with up to historyLimit past runs.
func (s *ReportService) Progress(ctx context.Context, corpusName, serviceName string, historyLimit int) ([]*PairProgress, error) {
	var (
		corpus *domain.Corpus
		svcID  int64
	)
	err := s.retry.do(ctx, "corpus_by_name", func(ctx context.Context) error {
		var err error
		corpus, err = s.store.CorpusByName(ctx, corpusName)
		return err
	})
	if err != nil {
		return nil, err
	}
	if serviceName != "" {
		svc, err := s.service(ctx, serviceName)
		if err != nil {
			return nil, err
		}
		svcID = svc.ID
	}

	var aggs []*domain.Aggregate
	err = s.retry.do(ctx, "aggregates", func(ctx context.Context) error {
		var err error
		aggs, err = s.store.Aggregates(ctx, corpus.ID, svcID)
		return err
	})
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string)
	out := make([]*PairProgress, 0, len(aggs))
	for _, agg := range aggs {
		name, ok := names[agg.ServiceID]
		if !ok {
			var svc *domain.Service
			err := s.retry.do(ctx, "service", func(ctx context.Context) error {
				var err error
				svc, err = s.store.Service(ctx, agg.ServiceID)
				return err
			})
			if err != nil {
				return nil, err
			}
			name = svc.Name
			names[agg.ServiceID] = name
		}
		p := &PairProgress{Corpus: corpus.Name, Service: name, Aggregate: agg, Complete: agg.Complete()}
		if historyLimit > 0 {
			p.History, err = s.runs(ctx, agg.CorpusID, agg.ServiceID, historyLimit)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// History returns past runs of one pair, newest first.
func (s *ReportService) History(ctx context.Context, corpusName, serviceName string, limit int) ([]*domain.HistoricalRun, error) {
	var corpus *domain.Corpus
	err := s.retry.do(ctx, "corpus_by_name", func(ctx context.Context) error {
		var err error
		corpus, err = s.store.CorpusByName(ctx, corpusName)
		return err
	})
	if err != nil {
		return nil, err
	}
	svc, err := s.service(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	return s.runs(ctx, corpus.ID, svc.ID, limit)
}

// TaskDetail returns a task and its current messages.
func (s *ReportService) TaskDetail(ctx context.Context, id int64) (*TaskDetail, error) {
	d := &TaskDetail{}
	err := s.retry.do(ctx, "task", func(ctx context.Context) error {
		var err error
		d.Task, err = s.store.Task(ctx, id)
		if err != nil {
			return err
		}
		d.Messages, err = s.store.TaskMessages(ctx, id)
		if err != nil {
			return err
		}
		d.History, err = s.store.TaskHistory(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if d.Messages == nil {
		d.Messages = []*domain.Message{}
	}
	if d.History == nil {
		d.History = []*domain.HistoricalTask{}
	}
	return d, nil
}

// TaskReport drills into the messages of one pair. See domain.ReportFilter
// for how severity, category and what select the level.
func (s *ReportService) TaskReport(ctx context.Context, corpusName, serviceName string, f domain.ReportFilter) (*domain.TaskReport, error) {
	if (f.Category != "" && f.Severity == "") || (f.What != "" && f.Category == "") {
		return nil, fmt.Errorf("report filter must narrow severity, then category, then what: %w", domain.ErrInvalidFilter)
	}
	var corpus *domain.Corpus
	err := s.retry.do(ctx, "corpus_by_name", func(ctx context.Context) error {
		var err error
		corpus, err = s.store.CorpusByName(ctx, corpusName)
		return err
	})
	if err != nil {
		return nil, err
	}
	svc, err := s.service(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	f.CorpusID, f.ServiceID = corpus.ID, svc.ID
	if f.Limit <= 0 {
		f.Limit = domain.DefaultReportPageSize
	}

	var rep *domain.TaskReport
	err = s.retry.do(ctx, "task_report", func(ctx context.Context) error {
		var err error
		rep, err = s.store.TaskReport(ctx, &f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rep.Rows == nil {
		rep.Rows = []*domain.ReportRow{}
	}
	if f.EntryLevel() && rep.Entries == nil {
		rep.Entries = []*domain.ReportEntry{}
	}
	return rep, nil
}

// Workers lists the live worker sessions.
func (s *ReportService) Workers() []*domain.WorkerMetadata {
	return s.workers.Workers()
}

func (s *ReportService) service(ctx context.Context, name string) (*domain.Service, error) {
	var svc *domain.Service
	err := s.retry.do(ctx, "service_by_name", func(ctx context.Context) error {
		var err error
		svc, err = s.store.ServiceByName(ctx, name)
		return err
	})
	return svc, err
}

func (s *ReportService) runs(ctx context.Context, corpusID, serviceID int64, limit int) ([]*domain.HistoricalRun, error) {
	var runs []*domain.HistoricalRun
	err := s.retry.do(ctx, "historical_runs", func(ctx context.Context) error {
		var err error
		runs, err = s.store.HistoricalRuns(ctx, corpusID, serviceID, limit)
		return err
	})
	if runs == nil {
		runs = []*domain.HistoricalRun{}
	}
	return runs, err
}
