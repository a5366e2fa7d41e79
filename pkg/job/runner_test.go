package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/capture"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/event"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/session"
)

const (
	runTestOwner    = "arn:aws:iam::123456789012:user/alice"
	runTestArtifact = "/home/u/cow/report.xlsx"
	runTestWait     = 5 * time.Second
	runTestPoll     = 10 * time.Millisecond
)

var runTestRequest = engine.Request{Reports: []string{"ce", "co"}, Region: "us-east-1"}

type memoryAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryAudit) Log(_ context.Context, ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryAudit) Query(context.Context, audit.QueryFilter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.events...), nil
}

func (*memoryAudit) Close() error { return nil }

type fixture struct {
	registry *session.Registry
	history  *history.MemoryStore
	audit    *memoryAudit
	runner   *Runner
}

func newFixture(t *testing.T, eng engine.Engine, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewRegistry(session.Config{}),
		history:  history.NewMemoryStore(0),
		audit:    &memoryAudit{},
	}
	r, err := NewRunner(Deps{
		Registry: f.registry,
		Engine:   eng,
		History:  f.history,
		Audit:    f.audit,
	}, cfg)
	require.NoError(t, err)
	f.runner = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTestWait)
		defer cancel()
		_ = r.Shutdown(ctx)
		_ = f.registry.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T) session.Session {
	t.Helper()
	s := f.registry.Create(runTestOwner, session.Options{Reports: runTestRequest.Reports, Region: runTestRequest.Region})
	require.NoError(t, f.runner.Start(s.ID, runTestRequest))
	return s
}

// collect pops events until done and returns them in delivery order.
func collect(ch *event.Channel) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), runTestWait)
	defer cancel()

	var out []event.Event
	for {
		ev, err := ch.Pop(ctx, runTestWait)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
		if ev.Kind == event.KindDone {
			return out, nil
		}
	}
}

func drain(t *testing.T, ch *event.Channel) []event.Event {
	t.Helper()
	out, err := collect(ch)
	require.NoError(t, err)
	return out
}

func (f *fixture) drainSession(t *testing.T, id string) []event.Event {
	t.Helper()
	ch, err := f.registry.Channel(id)
	require.NoError(t, err)
	return drain(t, ch)
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertWellFormed(t *testing.T, events []event.Event) {
	t.Helper()
	require.NotEmpty(t, events)

	terminal := 0
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence, "sequence must be gapless")
		if ev.Kind == event.KindSuccess || ev.Kind == event.KindError {
			terminal++
			assert.Equal(t, len(events)-2, i, "outcome event directly precedes done")
		}
	}
	assert.Equal(t, 1, terminal, "exactly one success or error")
	assert.Equal(t, event.KindDone, events[len(events)-1].Kind)
}

func lines(lines ...string) engine.Func {
	return func(_ context.Context, req engine.Request, out io.Writer) (engine.Result, error) {
		for _, l := range lines {
			_, _ = fmt.Fprintln(out, l)
		}
		return engine.Result{Summary: engine.Summary(req.Reports)}, nil
	}
}

func TestRunner_Success(t *testing.T) {
	f := newFixture(t, lines(
		"Fetching Cost Explorer data",
		"Excel Report Output saved into: "+runTestArtifact,
		"All reports generated",
	), Config{})

	s := f.start(t)
	events := f.drainSession(t, s.ID)

	assertWellFormed(t, events)
	assert.Equal(t, []event.Kind{
		event.KindLog, event.KindLog, event.KindLog, event.KindSuccess, event.KindDone,
	}, kinds(events))
	assert.Equal(t, "Fetching Cost Explorer data", events[0].Message)
	assert.Equal(t, engine.Summary(runTestRequest.Reports), events[3].Message)
	assert.Equal(t, runTestArtifact, events[4].ExcelFile)

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateSucceeded, got.State)
	assert.Equal(t, runTestArtifact, got.Artifact)

	require.Eventually(t, func() bool {
		run, err := f.history.Get(context.Background(), s.ID)
		return err == nil && run.State == string(session.StateSucceeded)
	}, runTestWait, runTestPoll)

	require.Eventually(t, func() bool {
		evs, _ := f.audit.Query(context.Background(), audit.QueryFilter{})
		return len(evs) == 2
	}, runTestWait, runTestPoll)
	evs, _ := f.audit.Query(context.Background(), audit.QueryFilter{})
	assert.Equal(t, audit.ActionRunStart, evs[0].Action)
	assert.Equal(t, audit.ActionRunFinish, evs[1].Action)
	assert.True(t, evs[1].Success)
}

func TestRunner_EngineFailure(t *testing.T) {
	f := newFixture(t, engine.Func(func(_ context.Context, _ engine.Request, out io.Writer) (engine.Result, error) {
		_, _ = io.WriteString(out, "Excel Report Output saved into: "+runTestArtifact+"\npartial")
		return engine.Result{}, fmt.Errorf("%w: exit code 2", engine.ErrEngineFailure)
	}), Config{})

	s := f.start(t)
	events := f.drainSession(t, s.ID)

	assertWellFormed(t, events)
	assert.Equal(t, []event.Kind{event.KindLog, event.KindLog, event.KindError, event.KindDone}, kinds(events))
	assert.Equal(t, "partial", events[1].Message, "trailing partial line is flushed before the outcome")
	assert.Contains(t, events[2].Message, "exit code 2")
	assert.Empty(t, events[3].ExcelFile, "failed runs carry no artifact")

	got, err := f.registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, got.State)
}

func TestRunner_EnginePanic(t *testing.T) {
	f := newFixture(t, engine.Func(func(context.Context, engine.Request, io.Writer) (engine.Result, error) {
		panic("nil workbook")
	}), Config{})

	s := f.start(t)
	events := f.drainSession(t, s.ID)

	assertWellFormed(t, events)
	assert.Equal(t, []event.Kind{event.KindError, event.KindDone}, kinds(events))
	assert.Contains(t, events[0].Message, "nil workbook")
	require.Eventually(t, func() bool { return f.runner.Active() == 0 }, runTestWait, runTestPoll)
}

func TestRunner_CaptureSetupFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	called := false
	f := newFixture(t, engine.Func(func(context.Context, engine.Request, io.Writer) (engine.Result, error) {
		called = true
		return engine.Result{}, nil
	}), Config{Capture: capture.Config{TranscriptDir: blocker}})

	s := f.start(t)
	events := f.drainSession(t, s.ID)

	assert.Equal(t, []event.Kind{event.KindError, event.KindDone}, kinds(events))
	assert.Contains(t, events[0].Message, capture.ErrCaptureSetup.Error())
	assert.False(t, called, "engine must not run without a capture")
}

func TestRunner_AdmissionLimit(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, engine.Func(func(ctx context.Context, _ engine.Request, _ io.Writer) (engine.Result, error) {
		select {
		case <-release:
			return engine.Result{}, nil
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}), Config{MaxConcurrent: 1})

	first := f.start(t)
	assert.Equal(t, 1, f.runner.Active())

	second := f.registry.Create(runTestOwner, session.Options{})
	err := f.runner.Start(second.ID, runTestRequest)
	require.ErrorIs(t, err, ErrTooManyJobs)

	got, err := f.registry.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatePending, got.State, "rejected session is not started")

	close(release)
	f.drainSession(t, first.ID)
	require.Eventually(t, func() bool { return f.runner.Active() == 0 }, runTestWait, runTestPoll)

	require.NoError(t, f.runner.Start(second.ID, runTestRequest))
	f.drainSession(t, second.ID)
}

func TestRunner_UnknownSessionReleasesSlot(t *testing.T) {
	f := newFixture(t, lines("x"), Config{MaxConcurrent: 1})

	err := f.runner.Start("missing", runTestRequest)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, 0, f.runner.Active())

	s := f.start(t)
	f.drainSession(t, s.ID)
}

func TestRunner_ConsumerDisconnectDoesNotStopJob(t *testing.T) {
	proceed := make(chan struct{})
	f := newFixture(t, engine.Func(func(_ context.Context, req engine.Request, out io.Writer) (engine.Result, error) {
		_, _ = fmt.Fprintln(out, "before disconnect")
		<-proceed
		_, _ = fmt.Fprintln(out, "after disconnect")
		return engine.Result{Summary: engine.Summary(req.Reports)}, nil
	}), Config{})

	s := f.start(t)
	ch, err := f.registry.Attach(s.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ev, err := ch.Pop(ctx, runTestWait)
	require.NoError(t, err)
	assert.Equal(t, "before disconnect", ev.Message)

	cancel()
	f.registry.Detach(s.ID)
	close(proceed)

	require.Eventually(t, func() bool {
		got, err := f.registry.Get(s.ID)
		return err == nil && got.State == session.StateSucceeded
	}, runTestWait, runTestPoll)

	rest := drain(t, ch)
	assert.Equal(t, []event.Kind{event.KindLog, event.KindSuccess, event.KindDone}, kinds(rest))
	assert.Equal(t, "after disconnect", rest[0].Message)
}

func TestRunner_ConcurrentSessionsAreIsolated(t *testing.T) {
	f := newFixture(t, engine.Func(func(_ context.Context, req engine.Request, out io.Writer) (engine.Result, error) {
		for i := range 50 {
			_, _ = fmt.Fprintf(out, "%s line %d\n", req.Region, i)
		}
		return engine.Result{}, nil
	}), Config{})

	a := f.registry.Create(runTestOwner, session.Options{})
	b := f.registry.Create(runTestOwner, session.Options{})
	require.NoError(t, f.runner.Start(a.ID, engine.Request{Reports: []string{"ce"}, Region: "alpha"}))
	require.NoError(t, f.runner.Start(b.ID, engine.Request{Reports: []string{"ce"}, Region: "beta"}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]event.Event)
		errs    = make(map[string]error)
	)
	for _, id := range []string{a.ID, b.ID} {
		ch, err := f.registry.Channel(id)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			evs, err := collect(ch)
			mu.Lock()
			results[id], errs[id] = evs, err
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, prefix := range map[string]string{a.ID: "alpha", b.ID: "beta"} {
		require.NoError(t, errs[id])
		evs := results[id]
		assertWellFormed(t, evs)
		for i, ev := range evs[:len(evs)-2] {
			assert.Equal(t, fmt.Sprintf("%s line %d", prefix, i), ev.Message)
		}
	}
}

func TestRunner_ShutdownCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, engine.Func(func(ctx context.Context, _ engine.Request, _ io.Writer) (engine.Result, error) {
		close(started)
		<-ctx.Done()
		return engine.Result{}, fmt.Errorf("%w: %w", engine.ErrEngineFailure, ctx.Err())
	}), Config{})

	s := f.start(t)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), runTestWait)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(ctx))

	events := f.drainSession(t, s.ID)
	assert.Equal(t, []event.Kind{event.KindError, event.KindDone}, kinds(events))
	assert.Contains(t, events[0].Message, context.Canceled.Error())

	next := f.registry.Create(runTestOwner, session.Options{})
	assert.ErrorIs(t, f.runner.Start(next.ID, runTestRequest), ErrRunnerClosed)
}

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := NewRunner(Deps{Engine: lines()}, Config{})
	require.Error(t, err)

	_, err = NewRunner(Deps{Registry: session.NewRegistry(session.Config{})}, Config{})
	require.Error(t, err)
}

func TestRunner_HistoryFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(t, lines("ok"), Config{})
	s := f.registry.Create(runTestOwner, session.Options{})
	require.NoError(t, f.history.Create(context.Background(), history.Run{ID: s.ID}))

	require.NoError(t, f.runner.Start(s.ID, runTestRequest))
	events := f.drainSession(t, s.ID)
	assertWellFormed(t, events)
	assert.Equal(t, event.KindSuccess, events[len(events)-2].Kind)
}
