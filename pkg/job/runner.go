// Package job runs report jobs in the background and turns everything they
// produce into session events.
//
// Each job owns its capture, its artifact tracker, and its engine process.
// Jobs run on the runner's own context, never on the request that started
// them, so a client that disconnects does not stop its job.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/txn2/cost-report-runner/pkg/artifact"
	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/capture"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/event"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/session"
	"github.com/txn2/cost-report-runner/pkg/storage"
)

// DefaultMaxConcurrent is the admission limit when none is configured.
const DefaultMaxConcurrent = 4

const recordTimeout = 5 * time.Second

// DefaultPublishTimeout bounds one artifact upload when none is configured.
const DefaultPublishTimeout = 2 * time.Minute

var (
	// ErrTooManyJobs is returned by Start when the admission limit is reached.
	ErrTooManyJobs = errors.New("too many concurrent report jobs")

	// ErrRunnerClosed is returned by Start after Shutdown.
	ErrRunnerClosed = errors.New("job runner is shut down")
)

// Config configures a Runner.
type Config struct {
	// MaxConcurrent bounds the number of jobs running at once.
	MaxConcurrent int

	// Capture configures each job's output capture.
	Capture capture.Config

	// PublishTimeout bounds one artifact upload.
	PublishTimeout time.Duration
}

// Deps are the collaborators a Runner drives. History, Audit and Publisher
// are optional.
type Deps struct {
	Registry  *session.Registry
	Engine    engine.Engine
	Locator   *artifact.Locator
	History   history.Store
	Audit     audit.Logger
	Publisher storage.Provider
	Logger    *slog.Logger
}

// Runner starts and supervises report jobs.
type Runner struct {
	registry *session.Registry
	engine   engine.Engine
	locator  *artifact.Locator
	history  history.Store
	audit    audit.Logger
	logger   *slog.Logger

	publisher      storage.Provider
	publishTimeout time.Duration

	capture capture.Config
	sem     *semaphore.Weighted
	limit   int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, cfg Config) (*Runner, error) {
	if deps.Registry == nil {
		return nil, errors.New("job runner: registry is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("job runner: engine is required")
	}
	if deps.Locator == nil {
		loc, err := artifact.NewLocator("", nil)
		if err != nil {
			return nil, fmt.Errorf("job runner: %w", err)
		}
		deps.Locator = loc
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry: deps.Registry,
		engine:   deps.Engine,
		locator:  deps.Locator,
		history:  deps.History,
		audit:    deps.Audit,
		logger:   deps.Logger,
		capture:  cfg.Capture,

		publisher:      deps.Publisher,
		publishTimeout: cfg.PublishTimeout,

		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limit:   cfg.MaxConcurrent,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the job for sessionID in the background and returns once it
// is running. The session moves from pending to running before Start returns.
func (r *Runner) Start(sessionID string, req engine.Request) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return fmt.Errorf("%w: limit is %d", ErrTooManyJobs, r.limit)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	snap, ch, err := r.prepare(sessionID)
	if err != nil {
		r.sem.Release(1)
		r.wg.Done()
		return err
	}

	r.active.Add(1)
	r.recordStart(snap, req)
	go r.run(snap, ch, req)
	return nil
}

func (r *Runner) prepare(sessionID string) (session.Session, *event.Channel, error) {
	ch, err := r.registry.Channel(sessionID)
	if err != nil {
		return session.Session{}, nil, err
	}
	if err := r.registry.MarkRunning(sessionID); err != nil {
		return session.Session{}, nil, err
	}
	snap, err := r.registry.Get(sessionID)
	if err != nil {
		return session.Session{}, nil, err
	}
	return snap, ch, nil
}

// Active returns the number of jobs currently running.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Shutdown stops accepting jobs, cancels running engines, and waits for
// every job goroutine to publish its terminal events or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// jobRun carries the per-job state of one goroutine.
type jobRun struct {
	r        *Runner
	session  session.Session
	channel  *event.Channel
	logger   *slog.Logger
	started  time.Time
	finished bool
}

func (r *Runner) run(snap session.Session, ch *event.Channel, req engine.Request) {
	j := &jobRun{
		r:       r,
		session: snap,
		channel: ch,
		logger:  r.logger.With("session_id", snap.ID),
		started: time.Now(),
	}
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("report job panicked", "panic", p, "stack", string(debug.Stack()))
			j.finish(session.Outcome{State: session.StateFailed, Error: fmt.Sprintf("internal error: %v", p)}, "")
		}
		r.sem.Release(1)
		r.active.Add(-1)
		r.wg.Done()
	}()

	tracker := r.locator.Track()
	capt, err := capture.Open(snap.ID, r.capture, func(line string) {
		tracker.Observe(line)
		j.push(event.Log(line))
	})
	if err != nil {
		j.logger.Error("report job capture setup failed", "error", err)
		j.finish(session.Outcome{State: session.StateFailed, Error: err.Error()}, "")
		return
	}
	defer func() { _ = capt.Close() }()

	res, runErr := j.invoke(req, capt)
	if err := capt.Close(); err != nil {
		j.logger.Warn("closing capture", "error", err)
	}

	if runErr != nil {
		j.finish(session.Outcome{State: session.StateFailed, Error: runErr.Error()}, res.Summary)
		return
	}
	artifactPath := tracker.Path()
	if artifactPath != "" {
		j.publish(artifactPath)
	}
	j.finish(session.Outcome{State: session.StateSucceeded, Artifact: artifactPath}, res.Summary)
}

// publish uploads the finished workbook when a publisher is configured. An
// upload failure is reported on the stream but does not fail the run.
func (j *jobRun) publish(path string) {
	p := j.r.publisher
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(j.r.baseCtx, j.r.publishTimeout)
	defer cancel()

	obj, err := p.Publish(ctx, j.session.ID, path)
	if err != nil {
		j.logger.Warn("publishing report", "provider", p.Name(), "path", path, "error", err)
		j.push(event.Log(fmt.Sprintf("Warning: report upload failed: %v", err)))
		return
	}
	j.logger.Info("report published", "provider", p.Name(), "uri", obj.URI(), "size", obj.Size)
	j.push(event.Log("Report uploaded to " + obj.URI()))
}

// invoke runs the engine, converting a panic into an engine failure.
func (j *jobRun) invoke(req engine.Request, capt *capture.Capture) (res engine.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("report engine panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", engine.ErrEngineFailure, p)
		}
	}()
	return j.r.engine.Run(j.r.baseCtx, req, capt)
}

func (j *jobRun) push(ev event.Event) {
	if err := j.channel.Push(ev); err != nil {
		j.logger.Debug("event not queued", "type", ev.Kind, "error", err)
	}
}

// finish publishes the terminal events exactly once: success or error, the
// session state change, then done.
func (j *jobRun) finish(out session.Outcome, summary string) {
	if j.finished {
		return
	}
	j.finished = true

	if out.State == session.StateSucceeded {
		if summary == "" {
			summary = "Reports completed"
		}
		j.push(event.Success(summary))
	} else {
		j.push(event.Error(out.Error))
	}

	if err := j.r.registry.MarkTerminal(j.session.ID, out); err != nil {
		j.logger.Warn("marking session terminal", "error", err)
	}
	j.push(event.Done(out.Artifact))

	j.r.recordFinish(j.session, out, time.Since(j.started))
}

func (r *Runner) recordStart(snap session.Session, req engine.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if r.history != nil {
		err := r.history.Create(ctx, history.Run{
			ID:        snap.ID,
			Owner:     snap.Owner,
			Reports:   req.Reports,
			Region:    req.Region,
			State:     string(session.StateRunning),
			StartedAt: snap.CreatedAt,
		})
		if err != nil {
			r.logger.Warn("recording run start", "session_id", snap.ID, "error", err)
		}
	}
	if r.audit != nil {
		ev := audit.NewEvent(audit.ActionRunStart).
			WithActor(snap.Owner, "").
			WithSession(snap.ID).
			WithDetails(map[string]any{"reports": req.Reports, "region": req.Region}).
			WithResult(true, "", 0)
		if err := r.audit.Log(ctx, *ev); err != nil {
			r.logger.Warn("auditing run start", "session_id", snap.ID, "error", err)
		}
	}
}

func (r *Runner) recordFinish(snap session.Session, out session.Outcome, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if r.history != nil {
		err := r.history.Finish(ctx, snap.ID, history.Result{
			State:      string(out.State),
			Artifact:   out.Artifact,
			Error:      out.Error,
			FinishedAt: time.Now(),
		})
		if err != nil {
			r.logger.Warn("recording run outcome", "session_id", snap.ID, "error", err)
		}
	}
	if r.audit != nil {
		ev := audit.NewEvent(audit.ActionRunFinish).
			WithActor(snap.Owner, "").
			WithSession(snap.ID).
			WithDetails(map[string]any{"excel_file": out.Artifact}).
			WithResult(out.State == session.StateSucceeded, out.Error, elapsed)
		if err := r.audit.Log(ctx, *ev); err != nil {
			r.logger.Warn("auditing run outcome", "session_id", snap.ID, "error", err)
		}
	}
}
