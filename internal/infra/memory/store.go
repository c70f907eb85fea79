// Package memory is an in-process domain.TaskStore. Each method runs under
// one mutex, which makes every operation trivially atomic; it backs tests
// and single-node development runs (store_driver: memory).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"corpus-dispatch/internal/domain"
)

type entryKey struct {
	pair  domain.PairKey
	entry string
}

type runKey struct {
	pair  domain.PairKey
	epoch int64
}

// Store implements domain.TaskStore in memory.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextCorpusID  int64
	nextServiceID int64
	nextTaskID    int64
	nextRunID     int64
	nextHistoryID int64

	corpora       map[int64]*domain.Corpus
	corpusByName  map[string]int64
	services      map[int64]*domain.Service
	serviceByName map[string]int64

	tasks      map[int64]*domain.Task
	entries    map[entryKey]int64
	messages   map[int64][]*domain.Message
	aggregates map[domain.PairKey]*domain.Aggregate
	runs       []*domain.HistoricalRun
	runKeys    map[runKey]struct{}
	history    map[int64][]*domain.HistoricalTask
	reruns     map[string]*domain.RequeueResult
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		corpora:       make(map[int64]*domain.Corpus),
		corpusByName:  make(map[string]int64),
		services:      make(map[int64]*domain.Service),
		serviceByName: make(map[string]int64),
		tasks:         make(map[int64]*domain.Task),
		entries:       make(map[entryKey]int64),
		messages:      make(map[int64][]*domain.Message),
		aggregates:    make(map[domain.PairKey]*domain.Aggregate),
		runKeys:       make(map[runKey]struct{}),
		history:       make(map[int64][]*domain.HistoricalTask),
		reruns:        make(map[string]*domain.RequeueResult),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ domain.TaskStore = (*Store)(nil)

func (s *Store) CreateCorpus(ctx context.Context, c *domain.Corpus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.corpusByName[c.Name]; ok {
		return fmt.Errorf("corpus %q: %w", c.Name, domain.ErrAlreadyExists)
	}
	s.nextCorpusID++
	c.ID = s.nextCorpusID
	c.CreatedAt = s.now()
	cp := *c
	s.corpora[c.ID] = &cp
	s.corpusByName[c.Name] = c.ID
	return nil
}

func (s *Store) Corpus(ctx context.Context, id int64) (*domain.Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.corpora[id]
	if !ok {
		return nil, fmt.Errorf("corpus %d: %w", id, domain.ErrUnknownCorpus)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CorpusByName(ctx context.Context, name string) (*domain.Corpus, error) {
	s.mu.Lock()
	id, ok := s.corpusByName[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("corpus %q: %w", name, domain.ErrUnknownCorpus)
	}
	return s.Corpus(ctx, id)
}

func (s *Store) ListCorpora(ctx context.Context) ([]*domain.Corpus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Corpus, 0, len(s.corpora))
	for _, c := range s.corpora {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateService(ctx context.Context, svc *domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serviceByName[svc.Name]; ok {
		return fmt.Errorf("service %q: %w", svc.Name, domain.ErrAlreadyExists)
	}
	s.nextServiceID++
	svc.ID = s.nextServiceID
	svc.CreatedAt = s.now()
	s.services[svc.ID] = cloneService(svc)
	s.serviceByName[svc.Name] = svc.ID
	return nil
}

func (s *Store) Service(ctx context.Context, id int64) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %d: %w", id, domain.ErrUnknownService)
	}
	return cloneService(svc), nil
}

func (s *Store) ServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	s.mu.Lock()
	id, ok := s.serviceByName[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("service %q: %w", name, domain.ErrUnknownService)
	}
	return s.Service(ctx, id)
}

func (s *Store) ListServices(ctx context.Context) ([]*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, cloneService(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) EnqueueTasks(ctx context.Context, corpusID, serviceID int64, entries []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.corpora[corpusID]; !ok {
		return 0, fmt.Errorf("enqueue for corpus %d: %w", corpusID, domain.ErrIntegrity)
	}
	if _, ok := s.services[serviceID]; !ok {
		return 0, fmt.Errorf("enqueue for service %d: %w", serviceID, domain.ErrIntegrity)
	}

	pair := domain.PairKey{CorpusID: corpusID, ServiceID: serviceID}
	now := s.now()
	var created int64
	for _, e := range entries {
		k := entryKey{pair: pair, entry: e}
		if _, ok := s.entries[k]; ok {
			continue
		}
		s.nextTaskID++
		t := &domain.Task{
			ID:        s.nextTaskID,
			CorpusID:  corpusID,
			ServiceID: serviceID,
			Entry:     e,
			Status:    domain.StatusQueued,
			QueuedAt:  now,
		}
		s.tasks[t.ID] = t
		s.entries[k] = t.ID
		created++
	}
	if created > 0 {
		agg := s.aggregate(pair)
		if agg.Complete() {
			s.reopen(agg, "", "")
		}
		agg.Queued += created
		agg.UpdatedAt = now
	}
	return created, nil
}

func (s *Store) SelectAndAssign(ctx context.Context, serviceID int64, workerID string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("select and assign: %w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Task
	for _, t := range s.tasks {
		if t.ServiceID != serviceID || t.Status != domain.StatusQueued {
			continue
		}
		if next == nil || t.QueuedAt.Before(next.QueuedAt) || (t.QueuedAt.Equal(next.QueuedAt) && t.ID < next.ID) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	now := s.now()
	next.Status = domain.StatusAssigned
	next.WorkerID = workerID
	next.Attempt++
	next.AssignedAt = &now
	next.CompletedAt = nil
	s.apply(next, domain.StatusQueued, domain.StatusAssigned, 1)
	return cloneTask(next), nil
}

func (s *Store) ApplyReport(ctx context.Context, r *domain.Report) (*domain.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("apply report: %w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[r.TaskID]
	if !ok || t.Status != domain.StatusAssigned || t.WorkerID != r.WorkerID || t.Attempt != r.Attempt {
		return nil, fmt.Errorf("task %d: %w", r.TaskID, domain.ErrStaleReport)
	}

	now := s.now()
	t.Status = r.Status
	t.CompletedAt = &now
	s.appendMessages(t, r.Messages, now)
	agg := s.apply(t, domain.StatusAssigned, r.Status, 1)

	return &domain.Transition{TaskID: t.ID, From: domain.StatusAssigned, To: r.Status, Aggregate: *agg}, nil
}

func (s *Store) BulkRequeue(ctx context.Context, f *domain.RequeueFilter) (*domain.RequeueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.reruns[f.Token]; ok && f.Token != "" {
		return &domain.RequeueResult{Affected: prev.Affected, Pairs: append([]domain.PairKey(nil), prev.Pairs...)}, nil
	}
	statuses := make(map[domain.TaskStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	now := s.now()
	touched := make(map[domain.PairKey]struct{})
	res := &domain.RequeueResult{}
	for _, t := range s.tasks {
		if f.CorpusID != 0 && t.CorpusID != f.CorpusID {
			continue
		}
		if f.ServiceID != 0 && t.ServiceID != f.ServiceID {
			continue
		}
		if !statuses[t.Status] || !s.messagesMatch(t, f) {
			continue
		}
		pair := domain.PairKey{CorpusID: t.CorpusID, ServiceID: t.ServiceID}
		if _, ok := touched[pair]; !ok {
			touched[pair] = struct{}{}
			s.reopen(s.aggregate(pair), f.Owner, f.Description)
		}
		from := t.Status
		s.saveHistory(t, now)
		requeue(t, now)
		s.apply(t, from, domain.StatusQueued, 1)
		res.Affected++
	}
	for pair := range touched {
		res.Pairs = append(res.Pairs, pair)
	}
	sortPairs(res.Pairs)
	if f.Token != "" {
		s.reruns[f.Token] = &domain.RequeueResult{Affected: res.Affected, Pairs: append([]domain.PairKey(nil), res.Pairs...)}
	}
	return res, nil
}

func (s *Store) Reclaim(ctx context.Context, f *domain.ReclaimFilter) (*domain.ReclaimResult, error) {
	res := &domain.ReclaimResult{}
	if f.Empty() {
		return res, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	held := toSet(f.WorkerIDs)
	live := toSet(f.LiveWorkerIDs)
	tracked := make(map[int64]struct{}, len(f.TrackedTaskIDs))
	for _, id := range f.TrackedTaskIDs {
		tracked[id] = struct{}{}
	}
	now := s.now()
	for _, t := range s.tasks {
		if t.Status != domain.StatusAssigned || t.AssignedAt == nil {
			continue
		}
		_, byWorker := held[t.WorkerID]
		expired := !f.AssignedBefore.IsZero() && t.AssignedAt.Before(f.AssignedBefore)
		_, alive := live[t.WorkerID]
		orphaned := !f.OrphanedBefore.IsZero() && t.AssignedAt.Before(f.OrphanedBefore) && !alive
		_, known := tracked[t.ID]
		untracked := !f.UntrackedBefore.IsZero() && t.AssignedAt.Before(f.UntrackedBefore) && alive && !known
		if !byWorker && !expired && !orphaned && !untracked {
			continue
		}

		if f.MaxAttempts > 0 && t.Attempt >= f.MaxAttempts {
			t.Status = domain.StatusFatal
			t.CompletedAt = &now
			s.appendMessages(t, []domain.Message{exhaustedMessage(t.Attempt)}, now)
			agg := s.apply(t, domain.StatusAssigned, domain.StatusFatal, 1)
			res.Failed = append(res.Failed, &domain.Transition{
				TaskID: t.ID, From: domain.StatusAssigned, To: domain.StatusFatal, Aggregate: *agg,
			})
			continue
		}
		requeue(t, now)
		s.apply(t, domain.StatusAssigned, domain.StatusQueued, 1)
		res.Requeued++
	}
	return res, nil
}

func (s *Store) WriteHistoricalSnapshot(ctx context.Context, run *domain.HistoricalRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runKey{pair: run.PairKey, epoch: run.Epoch}
	if _, ok := s.runKeys[k]; ok {
		return false, nil
	}
	s.nextRunID++
	run.ID = s.nextRunID
	cp := *run
	s.runs = append(s.runs, &cp)
	s.runKeys[k] = struct{}{}
	return true, nil
}

func (s *Store) PendingSnapshots(ctx context.Context) ([]*domain.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Aggregate
	for pair, agg := range s.aggregates {
		if !agg.Complete() {
			continue
		}
		if _, ok := s.runKeys[runKey{pair: pair, epoch: agg.Epoch}]; ok {
			continue
		}
		cp := *agg
		out = append(out, &cp)
	}
	sortAggregates(out)
	return out, nil
}

func (s *Store) RebuildAggregates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[domain.PairKey]domain.Counts)
	for _, t := range s.tasks {
		pair := domain.PairKey{CorpusID: t.CorpusID, ServiceID: t.ServiceID}
		c := fresh[pair]
		c.Add(t.Status, 1)
		fresh[pair] = c
	}
	now := s.now()
	for pair, agg := range s.aggregates {
		agg.Counts = fresh[pair]
		agg.UpdatedAt = now
		delete(fresh, pair)
	}
	for pair, c := range fresh {
		agg := s.aggregate(pair)
		agg.Counts = c
	}
	return nil
}

func (s *Store) Aggregates(ctx context.Context, corpusID, serviceID int64) ([]*domain.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Aggregate
	for pair, agg := range s.aggregates {
		if pair.CorpusID != corpusID || (serviceID != 0 && pair.ServiceID != serviceID) {
			continue
		}
		cp := *agg
		out = append(out, &cp)
	}
	sortAggregates(out)
	return out, nil
}

func (s *Store) HistoricalRuns(ctx context.Context, corpusID, serviceID int64, limit int) ([]*domain.HistoricalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.HistoricalRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if r.CorpusID != corpusID || (serviceID != 0 && r.ServiceID != serviceID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Task(ctx context.Context, id int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return cloneTask(t), nil
}

func (s *Store) TaskMessages(ctx context.Context, taskID int64) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, domain.ErrTaskNotFound)
	}
	return s.latestMessages(taskID), nil
}

// TaskHistory returns the task's rerun snapshots, newest first.
func (s *Store) TaskHistory(ctx context.Context, taskID int64) ([]*domain.HistoricalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.history[taskID]
	out := make([]*domain.HistoricalTask, 0, len(saved))
	for i := len(saved) - 1; i >= 0; i-- {
		cp := *saved[i]
		out = append(out, &cp)
	}
	return out, nil
}

// TaskReport walks the final attempt of every completed task of the pair.
func (s *Store) TaskReport(ctx context.Context, f *domain.ReportFilter) (*domain.TaskReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := &domain.TaskReport{Severity: f.Severity, Category: f.Category, What: f.What}
	type bucket struct {
		tasks    map[int64]struct{}
		messages int64
	}
	buckets := make(map[string]*bucket)
	var entries []*domain.ReportEntry
	for _, t := range s.tasks {
		if t.CorpusID != f.CorpusID || t.ServiceID != f.ServiceID || !t.Status.IsTerminal() {
			continue
		}
		var first *domain.Message
		for _, m := range s.messages[t.ID] {
			if m.Attempt != t.Attempt || !messageMatches(m, f.Severity, f.Category, f.What) {
				continue
			}
			if first == nil || m.Seq < first.Seq {
				first = m
			}
			name := m.What
			switch {
			case f.Severity == "":
				name = string(m.Severity)
			case f.Category == "":
				name = m.Category
			}
			b, ok := buckets[name]
			if !ok {
				b = &bucket{tasks: make(map[int64]struct{})}
				buckets[name] = b
			}
			b.tasks[t.ID] = struct{}{}
			b.messages++
		}
		if first != nil {
			rep.Tasks++
			entries = append(entries, &domain.ReportEntry{TaskID: t.ID, Entry: t.Entry, Details: first.Details})
		}
	}

	if !f.EntryLevel() {
		for name, b := range buckets {
			rep.Rows = append(rep.Rows, &domain.ReportRow{Name: name, Tasks: int64(len(b.tasks)), Messages: b.messages})
		}
		sort.Slice(rep.Rows, func(i, j int) bool {
			if rep.Rows[i].Tasks != rep.Rows[j].Tasks {
				return rep.Rows[i].Tasks > rep.Rows[j].Tasks
			}
			return rep.Rows[i].Name < rep.Rows[j].Name
		})
		return rep, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Entry != entries[j].Entry {
			return entries[i].Entry < entries[j].Entry
		}
		return entries[i].TaskID < entries[j].TaskID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultReportPageSize
	}
	lo := min(max(f.Offset, 0), len(entries))
	hi := min(lo+limit, len(entries))
	rep.Entries = entries[lo:hi]
	return rep, nil
}

// aggregate returns the pair's counter row, creating it on first use.
func (s *Store) aggregate(pair domain.PairKey) *domain.Aggregate {
	agg, ok := s.aggregates[pair]
	if !ok {
		now := s.now()
		agg = &domain.Aggregate{PairKey: pair, Epoch: 1, RunStartedAt: now, UpdatedAt: now}
		s.aggregates[pair] = agg
	}
	return agg
}

func (s *Store) reopen(agg *domain.Aggregate, owner, description string) {
	agg.Epoch++
	agg.RunOwner = owner
	agg.RunDescription = description
	agg.RunStartedAt = s.now()
}

func (s *Store) apply(t *domain.Task, from, to domain.TaskStatus, n int64) *domain.Aggregate {
	agg := s.aggregate(domain.PairKey{CorpusID: t.CorpusID, ServiceID: t.ServiceID})
	agg.Counts = agg.Counts.Plus(domain.TransitionDelta(from, to, n))
	agg.UpdatedAt = s.now()
	return agg
}

func (s *Store) appendMessages(t *domain.Task, msgs []domain.Message, now time.Time) {
	for i, m := range msgs {
		m.TaskID = t.ID
		m.Attempt = t.Attempt
		m.Seq = int32(i + 1)
		m.CreatedAt = now
		s.messages[t.ID] = append(s.messages[t.ID], &m)
	}
}

func (s *Store) latestMessages(taskID int64) []*domain.Message {
	all := s.messages[taskID]
	var latest int32
	for _, m := range all {
		if m.Attempt > latest {
			latest = m.Attempt
		}
	}
	var out []*domain.Message
	for _, m := range all {
		if m.Attempt == latest {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) messagesMatch(t *domain.Task, f *domain.RequeueFilter) bool {
	if f.Severity == "" && f.Category == "" && f.What == "" {
		return true
	}
	for _, m := range s.messages[t.ID] {
		if m.Attempt == t.Attempt && messageMatches(m, f.Severity, f.Category, f.What) {
			return true
		}
	}
	return false
}

func messageMatches(m *domain.Message, severity, category, what string) bool {
	return (severity == "" || string(m.Severity) == severity) &&
		(category == "" || m.Category == category) &&
		(what == "" || m.What == what)
}

func (s *Store) saveHistory(t *domain.Task, now time.Time) {
	s.nextHistoryID++
	h := &domain.HistoricalTask{
		ID:      s.nextHistoryID,
		TaskID:  t.ID,
		Attempt: t.Attempt,
		Status:  t.Status,
		SavedAt: now,
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		h.CompletedAt = &at
	}
	s.history[t.ID] = append(s.history[t.ID], h)
}

func requeue(t *domain.Task, now time.Time) {
	t.Status = domain.StatusQueued
	t.WorkerID = ""
	t.AssignedAt = nil
	t.CompletedAt = nil
	t.QueuedAt = now
}

func exhaustedMessage(attempts int32) domain.Message {
	return domain.Message{
		Severity: domain.SeverityFatal,
		Category: domain.ReclaimCategory,
		What:     domain.ReclaimWhat,
		Details:  fmt.Sprintf("task was handed out %d times and never reported", attempts),
	}
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func cloneTask(t *domain.Task) *domain.Task {
	cp := *t
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		cp.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneService(svc *domain.Service) *domain.Service {
	cp := *svc
	cp.Params = make(map[string]string, len(svc.Params))
	for k, v := range svc.Params {
		cp.Params[k] = v
	}
	return &cp
}

func sortPairs(ps []domain.PairKey) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CorpusID != ps[j].CorpusID {
			return ps[i].CorpusID < ps[j].CorpusID
		}
		return ps[i].ServiceID < ps[j].ServiceID
	})
}

func sortAggregates(as []*domain.Aggregate) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CorpusID != as[j].CorpusID {
			return as[i].CorpusID < as[j].CorpusID
		}
		return as[i].ServiceID < as[j].ServiceID
	})
}
