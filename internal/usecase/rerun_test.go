package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/stretchr/testify/require"
)

// Ten workers drain a ten task corpus, the run completes once, and an
// operator rerun of the NoProblem tasks reopens it.
func TestCompleteRunThenRerun(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	type pulled struct {
		session string
		a       *domain.Assignment
	}
	var all []pulled
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		w := f.register(t, fmt.Sprintf("worker-%d", i))
		a := f.pull(t, w.SessionID)
		require.NotNil(t, a)
		require.False(t, seen[a.Task.ID], "task %d pulled twice", a.Task.ID)
		seen[a.Task.ID] = true
		all = append(all, pulled{w.SessionID, a})
	}
	require.EqualValues(t, 10, f.aggregate(t).Assigned)
	require.Empty(t, f.runs(t))

	for i, p := range all {
		require.Equal(t, OutcomeAck, f.report(t, p.session, p.a, domain.StatusNoProblem))
		if i < 9 {
			require.Empty(t, f.runs(t), "snapshot written with outstanding tasks")
		}
	}

	agg := f.aggregate(t)
	require.EqualValues(t, 10, agg.NoProblem)
	require.EqualValues(t, 10, agg.Total())
	runs := f.runs(t)
	require.Len(t, runs, 1)
	require.EqualValues(t, 10, runs[0].Total)
	require.EqualValues(t, 10, runs[0].NoProblem)
	require.EqualValues(t, 1, runs[0].Epoch)
	require.Equal(t, 1, f.notifier.count(domain.EventCompleted))

	n, err := f.rerunner.MarkRerun(ctx, domain.RerunFilter{
		Corpus:   f.corpus.Name,
		Service:  f.service.Name,
		Statuses: []domain.TaskStatus{domain.StatusNoProblem},
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	agg = f.aggregate(t)
	require.EqualValues(t, 10, agg.Queued)
	require.Zero(t, agg.NoProblem+agg.Warning+agg.Error+agg.Fatal)
	require.EqualValues(t, 2, agg.Epoch)
	require.Equal(t, "mark for rerun (filters: corpus=arxmliv service=tex_to_html status=no_problem)", agg.RunDescription)
	for _, id := range taskIDs(10) {
		task, err := f.store.Task(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusQueued, task.Status)
	}
}

func TestRerunCompletionWritesExactlyOneNewSnapshot(t *testing.T) {
	f := newFixture(t, 4)
	w := f.register(t, "alpha")
	drain := func(status domain.TaskStatus) {
		for {
			a := f.pull(t, w.SessionID)
			if a == nil {
				return
			}
			f.report(t, w.SessionID, a, status)
		}
	}
	drain(domain.StatusError)
	require.Len(t, f.runs(t), 1)

	n, err := f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{
		Corpus:   f.corpus.Name,
		Statuses: []domain.TaskStatus{domain.StatusError},
		Owner:    "ops",
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	// reconciling an open run writes nothing
	written, err := f.finalizer.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, written)
	require.Len(t, f.runs(t), 1)

	drain(domain.StatusNoProblem)
	runs := f.runs(t)
	require.Len(t, runs, 2)
	require.EqualValues(t, 2, runs[0].Epoch)
	require.EqualValues(t, 4, runs[0].NoProblem)
	require.Equal(t, "ops", runs[0].Owner)
	require.EqualValues(t, 4, runs[1].Error)

	written, err = f.finalizer.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, written)
}

func TestMarkRerunMatchesNothing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for name, filter := range map[string]domain.RerunFilter{
		"unknown corpus":  {Corpus: "nope"},
		"unknown service": {Service: "nope"},
		"only queued":     {Statuses: []domain.TaskStatus{domain.StatusQueued}},
		"no terminal":     {Corpus: f.corpus.Name},
	} {
		t.Run(name, func(t *testing.T) {
			n, err := f.rerunner.MarkRerun(ctx, filter)
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
	require.EqualValues(t, 1, f.aggregate(t).Epoch)
}

func TestMarkRerunInvalidStatus(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{Statuses: []domain.TaskStatus{"bogus"}})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestMarkRerunAssignedIsOptIn(t *testing.T) {
	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("allow=%v", allow), func(t *testing.T) {
			var opts []fixtureOption
			if allow {
				opts = append(opts, withRerunAssigned())
			}
			f := newFixture(t, 1, opts...)
			w := f.register(t, "alpha")
			a := f.pull(t, w.SessionID)

			n, err := f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{
				Statuses: []domain.TaskStatus{domain.StatusAssigned},
			})
			require.NoError(t, err)
			if !allow {
				require.Zero(t, n)
				return
			}
			require.EqualValues(t, 1, n)
			// the holder's report is now stale
			require.Equal(t, OutcomeRejected, f.report(t, w.SessionID, a, domain.StatusNoProblem))
			require.EqualValues(t, 1, f.aggregate(t).Queued)
		})
	}
}

func TestMarkRerunByMessage(t *testing.T) {
	f := newFixture(t, 3)
	w := f.register(t, "alpha")
	logs := []string{
		"Error:undefined:\\foo undefined macro",
		"Warning:expected:id missing id",
		"Error:missing_file:article.cls not found",
	}
	for _, log := range logs {
		a := f.pull(t, w.SessionID)
		out, err := f.sink.Report(context.Background(), &domain.Report{
			TaskID: a.Task.ID, WorkerID: w.SessionID, Attempt: a.Task.Attempt,
		}, log)
		require.NoError(t, err)
		require.Equal(t, OutcomeAck, out)
		f.manager.Completed(w.SessionID, a.Task.ID, true)
	}

	n, err := f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{Severity: "error", Category: "undefined"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	task, err := f.store.Task(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, task.Status)
	agg := f.aggregate(t)
	require.EqualValues(t, 1, agg.Warning)
	require.EqualValues(t, 1, agg.Error)
	require.Contains(t, agg.RunDescription, "severity=error category=undefined")
}

// Random walks over assign, report, reclaim, rerun and enqueue never let
// the aggregate drift from the task rows.
func TestAggregatesTrackTaskRows(t *testing.T) {
	f := newFixture(t, 20, withInflight(5), withRerunAssigned())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var sessions []string
	for i := 0; i < 3; i++ {
		sessions = append(sessions, f.register(t, fmt.Sprintf("w%d", i)).SessionID)
	}
	type held struct {
		session string
		a       *domain.Assignment
	}
	var inflight []held
	total := 20
	statuses := []domain.TaskStatus{domain.StatusNoProblem, domain.StatusWarning, domain.StatusError, domain.StatusFatal}

	for step := 0; step < 400; step++ {
		switch op := rng.Intn(10); {
		case op < 4:
			s := sessions[rng.Intn(len(sessions))]
			release, err := f.manager.Acquire(s)
			if err != nil {
				continue
			}
			a, err := f.ventilator.NextTask(ctx, f.service.Name, s)
			require.NoError(t, err)
			if a == nil {
				release(nil)
				continue
			}
			release(a.Task)
			inflight = append(inflight, held{s, a})
		case op < 7:
			if len(inflight) == 0 {
				continue
			}
			i := rng.Intn(len(inflight))
			h := inflight[i]
			inflight = append(inflight[:i], inflight[i+1:]...)
			f.report(t, h.session, h.a, statuses[rng.Intn(len(statuses))])
		case op == 7:
			i := rng.Intn(len(sessions))
			_, err := f.manager.Disconnect(ctx, sessions[i])
			require.NoError(t, err)
			sessions[i] = f.register(t, fmt.Sprintf("w%d-%d", i, step)).SessionID
		case op == 8:
			_, err := f.rerunner.MarkRerun(ctx, domain.RerunFilter{
				Statuses: []domain.TaskStatus{statuses[rng.Intn(len(statuses))], domain.StatusAssigned},
			})
			require.NoError(t, err)
		default:
			f.clock.Advance(time.Second)
			if rng.Intn(4) == 0 {
				n, err := f.catalog.Enqueue(ctx, f.corpus.Name, f.service.Name, []string{fmt.Sprintf("extra-%d.tex", step)})
				require.NoError(t, err)
				total += int(n)
			}
		}
		f.requireCountsMatchTasks(t, taskIDs(total))
	}
}

func TestMarkRerunCountsSurviveLostReply(t *testing.T) {
	f, flaky := newFlakyFixture(t, 3)
	w := f.register(t, "alpha")
	for i := 0; i < 3; i++ {
		f.report(t, w.SessionID, f.pull(t, w.SessionID), domain.StatusError)
	}
	require.EqualValues(t, 1, f.aggregate(t).Epoch)

	flaky.lostRequeues.Store(1)
	n, err := f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{Corpus: f.corpus.Name})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Equal(t, 1, f.notifier.count(domain.EventRerun))

	agg := f.aggregate(t)
	require.EqualValues(t, 3, agg.Queued)
	require.EqualValues(t, 2, agg.Epoch, "the retried requeue reopened the run twice")

	history, err := f.store.TaskHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// a fresh request is a new rerun
	n, err = f.rerunner.MarkRerun(context.Background(), domain.RerunFilter{Corpus: f.corpus.Name})
	require.NoError(t, err)
	require.Zero(t, n)
}
