package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"corpus-dispatch/internal/domain"
	"corpus-dispatch/internal/infra/postgres"
	"corpus-dispatch/internal/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testPool  *pgxpool.Pool
	testStore *postgres.Store
)

// TestMain starts one Postgres container for the package. Without a Docker
// daemon the tests skip instead of failing.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dispatch",
				"POSTGRES_PASSWORD": "dispatch",
				"POSTGRES_DB":       "dispatch",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("postgres container unavailable, skipping store tests: %v", err)
		os.Exit(m.Run())
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://dispatch:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())
	testPool, err = postgres.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := postgres.Migrate(ctx, testPool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	testStore = postgres.NewStore(testPool, logging.Discard())

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testStore == nil {
		t.Skip("no postgres container")
	}
	return testStore
}

// seed creates a uniquely named corpus and service with n queued tasks.
func seed(t *testing.T, s *postgres.Store, n int) (*domain.Corpus, *domain.Service) {
	t.Helper()
	ctx := t.Context()
	suffix := uuid.NewString()[:8]

	c := &domain.Corpus{Name: "corpus-" + suffix, Path: "/data/" + suffix}
	require.NoError(t, s.CreateCorpus(ctx, c))
	svc := &domain.Service{Name: "svc-" + suffix, Version: "1.0", Params: map[string]string{"executor": "shell"}}
	require.NoError(t, s.CreateService(ctx, svc))

	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf("doc-%03d.tex", i)
	}
	created, err := s.EnqueueTasks(ctx, c.ID, svc.ID, entries)
	require.NoError(t, err)
	require.EqualValues(t, n, created)
	return c, svc
}

func aggregate(t *testing.T, s *postgres.Store, c *domain.Corpus, svc *domain.Service) *domain.Aggregate {
	t.Helper()
	aggs, err := s.Aggregates(t.Context(), c.ID, svc.ID)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	return aggs[0]
}

func TestStore_Catalog(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 2)

	got, err := s.CorpusByName(ctx, c.Name)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)

	gotSvc, err := s.ServiceByName(ctx, svc.Name)
	require.NoError(t, err)
	require.Equal(t, "shell", gotSvc.Params["executor"])

	_, err = s.CorpusByName(ctx, "does-not-exist")
	require.ErrorIs(t, err, domain.ErrUnknownCorpus)

	err = s.CreateCorpus(ctx, &domain.Corpus{Name: c.Name, Path: "/elsewhere"})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	created, err := s.EnqueueTasks(ctx, c.ID, svc.ID, []string{"doc-000.tex", "doc-new.tex"})
	require.NoError(t, err)
	require.EqualValues(t, 1, created, "existing entries are skipped")

	_, err = s.EnqueueTasks(ctx, 1<<40, svc.ID, []string{"x"})
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestStore_ConcurrentAssignHandsOutEachTaskOnce(t *testing.T) {
	s := requireStore(t)
	c, svc := seed(t, s, 60)

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.SelectAndAssign(context.Background(), svc.ID, worker)
				if err != nil {
					t.Errorf("assign: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					t.Errorf("task %d handed to %s and %s", task.ID, prev, worker)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, seen, 60)
	agg := aggregate(t, s, c, svc)
	require.EqualValues(t, 60, agg.Assigned)
	require.EqualValues(t, 0, agg.Queued)
	require.EqualValues(t, 60, agg.Total())
}

func TestStore_ReportRejectsStaleAndDuplicates(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 1)

	task, err := s.SelectAndAssign(ctx, svc.ID, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.EqualValues(t, 1, task.Attempt)

	_, err = s.ApplyReport(ctx, &domain.Report{TaskID: task.ID, WorkerID: "w2", Attempt: 1, Status: domain.StatusWarning})
	require.ErrorIs(t, err, domain.ErrStaleReport)
	_, err = s.ApplyReport(ctx, &domain.Report{TaskID: task.ID, WorkerID: "w1", Attempt: 2, Status: domain.StatusWarning})
	require.ErrorIs(t, err, domain.ErrStaleReport)

	unchanged, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, unchanged.Status)

	tr, err := s.ApplyReport(ctx, &domain.Report{
		TaskID: task.ID, WorkerID: "w1", Attempt: 1, Status: domain.StatusWarning,
		Messages: []domain.Message{
			{Severity: domain.SeverityWarning, Category: "expected", What: "token", Details: "line 3"},
			{Severity: domain.SeverityInfo, Category: "note", What: "done"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusWarning, tr.To)
	require.True(t, tr.Aggregate.Complete())
	require.EqualValues(t, 1, tr.Aggregate.Warning)

	_, err = s.ApplyReport(ctx, &domain.Report{TaskID: task.ID, WorkerID: "w1", Attempt: 1, Status: domain.StatusNoProblem})
	require.ErrorIs(t, err, domain.ErrStaleReport)

	msgs, err := s.TaskMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.EqualValues(t, 1, msgs[0].Seq)
	require.Equal(t, "expected", msgs[0].Category)

	run := tr.Aggregate.Snapshot(time.Now())
	wrote, err := s.WriteHistoricalSnapshot(ctx, run)
	require.NoError(t, err)
	require.True(t, wrote)
	wrote, err = s.WriteHistoricalSnapshot(ctx, tr.Aggregate.Snapshot(time.Now()))
	require.NoError(t, err)
	require.False(t, wrote, "one snapshot per epoch")

	runs, err := s.HistoricalRuns(ctx, c.ID, svc.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.EqualValues(t, 1, runs[0].Warning)
}

func TestStore_BulkRequeueFiltersAndReopens(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 3)

	outcomes := []domain.Report{
		{Status: domain.StatusError, Messages: []domain.Message{{Severity: domain.SeverityError, Category: "undefined", What: `\foo`}}},
		{Status: domain.StatusError, Messages: []domain.Message{{Severity: domain.SeverityError, Category: "missing_file", What: "a.sty"}}},
		{Status: domain.StatusNoProblem},
	}
	for i := range outcomes {
		task, err := s.SelectAndAssign(ctx, svc.ID, "w1")
		require.NoError(t, err)
		r := outcomes[i]
		r.TaskID, r.WorkerID, r.Attempt = task.ID, "w1", task.Attempt
		_, err = s.ApplyReport(ctx, &r)
		require.NoError(t, err)
	}
	before := aggregate(t, s, c, svc)
	require.True(t, before.Complete())

	res, err := s.BulkRequeue(ctx, &domain.RequeueFilter{
		CorpusID: c.ID, ServiceID: svc.ID,
		Statuses: []domain.TaskStatus{domain.StatusError},
		Category: "undefined",
		Owner:    "ops", Description: "retry undefined macros",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Affected)

	after := aggregate(t, s, c, svc)
	require.Equal(t, before.Epoch+1, after.Epoch)
	require.EqualValues(t, 1, after.Queued)
	require.EqualValues(t, 1, after.Error)
	require.EqualValues(t, 1, after.NoProblem)
	require.Equal(t, "ops", after.RunOwner)

	res, err = s.BulkRequeue(ctx, &domain.RequeueFilter{CorpusID: c.ID, ServiceID: svc.ID, Statuses: []domain.TaskStatus{domain.StatusFatal}})
	require.NoError(t, err)
	require.Zero(t, res.Affected)
	require.Equal(t, after.Epoch, aggregate(t, s, c, svc).Epoch, "no-op reruns keep the run")
}

func TestStore_ReclaimRequeuesAndExhausts(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 2)

	first, err := s.SelectAndAssign(ctx, svc.ID, "dead-"+c.Name)
	require.NoError(t, err)
	second, err := s.SelectAndAssign(ctx, svc.ID, "alive-"+c.Name)
	require.NoError(t, err)

	res, err := s.Reclaim(ctx, &domain.ReclaimFilter{WorkerIDs: []string{"dead-" + c.Name}})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Requeued)

	got, err := s.Task(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, got.Status)
	require.Empty(t, got.WorkerID)

	got, err = s.Task(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, got.Status)

	res, err = s.Reclaim(ctx, &domain.ReclaimFilter{WorkerIDs: []string{"alive-" + c.Name}, MaxAttempts: 1})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	require.Equal(t, second.ID, res.Failed[0].TaskID)

	msgs, err := s.TaskMessages(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.ReclaimWhat, msgs[0].What)

	agg := aggregate(t, s, c, svc)
	require.EqualValues(t, 1, agg.Queued)
	require.EqualValues(t, 1, agg.Fatal)
	require.EqualValues(t, 2, agg.Total())
}

func TestStore_RebuildAggregates(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 4)

	_, err := s.SelectAndAssign(ctx, svc.ID, "w1")
	require.NoError(t, err)

	_, err = testPool.Exec(ctx,
		`UPDATE task_aggregates SET queued = 99, assigned = 0 WHERE corpus_id = $1 AND service_id = $2`, c.ID, svc.ID)
	require.NoError(t, err)

	require.NoError(t, s.RebuildAggregates(ctx))
	agg := aggregate(t, s, c, svc)
	require.EqualValues(t, 3, agg.Queued)
	require.EqualValues(t, 1, agg.Assigned)
}

func TestStore_BulkRequeueTokenReplaysAndSavesHistory(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 2)

	var ids []int64
	for i := 0; i < 2; i++ {
		task, err := s.SelectAndAssign(ctx, svc.ID, "w1")
		require.NoError(t, err)
		_, err = s.ApplyReport(ctx, &domain.Report{TaskID: task.ID, WorkerID: "w1", Attempt: task.Attempt, Status: domain.StatusError})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	f := &domain.RequeueFilter{CorpusID: c.ID, ServiceID: svc.ID, Statuses: []domain.TaskStatus{domain.StatusError}, Token: uuid.NewString()}
	res, err := s.BulkRequeue(ctx, f)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Affected)
	epoch := aggregate(t, s, c, svc).Epoch

	// the same token replays the committed result without touching a row
	again, err := s.BulkRequeue(ctx, f)
	require.NoError(t, err)
	require.Equal(t, res.Affected, again.Affected)
	require.Equal(t, res.Pairs, again.Pairs)
	require.Equal(t, epoch, aggregate(t, s, c, svc).Epoch)

	for _, id := range ids {
		history, err := s.TaskHistory(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, domain.StatusError, history[0].Status)
		require.EqualValues(t, 1, history[0].Attempt)
		require.NotNil(t, history[0].CompletedAt)
	}

	history, err := s.TaskHistory(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestStore_ReclaimUntrackedAssignments(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 2)
	worker := "live-" + c.Name

	tracked, err := s.SelectAndAssign(ctx, svc.ID, worker)
	require.NoError(t, err)
	lost, err := s.SelectAndAssign(ctx, svc.ID, worker)
	require.NoError(t, err)

	res, err := s.Reclaim(ctx, &domain.ReclaimFilter{
		UntrackedBefore: time.Now().Add(time.Minute),
		LiveWorkerIDs:   []string{worker},
		TrackedTaskIDs:  []int64{tracked.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Requeued)

	got, err := s.Task(ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, got.Status)
	got, err = s.Task(ctx, tracked.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, got.Status)

	// too recent to judge
	res, err = s.Reclaim(ctx, &domain.ReclaimFilter{
		UntrackedBefore: time.Now().Add(-time.Hour),
		LiveWorkerIDs:   []string{worker},
		TrackedTaskIDs:  []int64{},
	})
	require.NoError(t, err)
	require.Zero(t, res.Requeued)
}

func TestStore_TaskReport(t *testing.T) {
	s := requireStore(t)
	ctx := t.Context()
	c, svc := seed(t, s, 3)

	outcomes := [][]domain.Message{
		{{Severity: domain.SeverityError, Category: "undefined", What: `\foo`, Details: "first"}, {Severity: domain.SeverityError, Category: "undefined", What: `\foo`}},
		{{Severity: domain.SeverityError, Category: "undefined", What: `\foo`, Details: "second"}, {Severity: domain.SeverityWarning, Category: "expected", What: "id"}},
		nil,
	}
	for _, msgs := range outcomes {
		task, err := s.SelectAndAssign(ctx, svc.ID, "w1")
		require.NoError(t, err)
		r := &domain.Report{TaskID: task.ID, WorkerID: "w1", Attempt: task.Attempt, Messages: msgs}
		require.NoError(t, r.Validate())
		_, err = s.ApplyReport(ctx, r)
		require.NoError(t, err)
	}

	rep, err := s.TaskReport(ctx, &domain.ReportFilter{CorpusID: c.ID, ServiceID: svc.ID})
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.Tasks)
	require.Equal(t, []*domain.ReportRow{
		{Name: "error", Tasks: 2, Messages: 3},
		{Name: "warning", Tasks: 1, Messages: 1},
	}, rep.Rows)

	rep, err = s.TaskReport(ctx, &domain.ReportFilter{CorpusID: c.ID, ServiceID: svc.ID, Severity: "error", Category: "undefined"})
	require.NoError(t, err)
	require.Equal(t, []*domain.ReportRow{{Name: `\foo`, Tasks: 2, Messages: 3}}, rep.Rows)

	rep, err = s.TaskReport(ctx, &domain.ReportFilter{
		CorpusID: c.ID, ServiceID: svc.ID, Severity: "error", Category: "undefined", What: `\foo`, Offset: 1, Limit: 5,
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.Tasks)
	require.Len(t, rep.Entries, 1)
	require.Equal(t, "doc-001.tex", rep.Entries[0].Entry)
	require.Equal(t, "second", rep.Entries[0].Details)
}
