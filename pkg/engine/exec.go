package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultTerminateGrace = 5 * time.Second
	defaultAnswerLimit    = 1 << 20
)

// ExecConfig configures an Exec engine.
type ExecConfig struct {
	// Command is the engine executable.
	Command string

	// Args are placed before the per-run arguments.
	Args []string

	// WorkDir is the working directory of the engine process.
	WorkDir string

	// Env holds extra KEY=VALUE pairs added to every run.
	Env []string

	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration

	// TerminateGrace is how long a cancelled engine gets between SIGTERM
	// and SIGKILL.
	TerminateGrace time.Duration
}

// Exec runs the engine as a child process.
type Exec struct {
	cfg    ExecConfig
	logger *slog.Logger
}

// NewExec creates an Exec engine.
func NewExec(cfg ExecConfig, logger *slog.Logger) (*Exec, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("engine command is required")
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultTerminateGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{cfg: cfg, logger: logger}, nil
}

// Run executes a report run, streaming combined stdout and stderr to out.
func (e *Exec) Run(ctx context.Context, req Request, out io.Writer) (Result, error) {
	if err := ValidateReports(req.Reports); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	args := RunArgs(req)
	e.logger.Info("launching report engine", "args", args)

	if err := e.run(ctx, args, req.Credentials, out); err != nil {
		return Result{}, err
	}
	return Result{Summary: Summary(req.Reports)}, nil
}

// Ask runs the engine in question mode and returns its output.
func (e *Exec) Ask(ctx context.Context, creds Credentials, question, reportFile string) (string, error) {
	args := QueryArgs(question, reportFile)
	e.logger.Info("launching report engine for question", "report_file", reportFile)

	buf := &limitedBuffer{limit: defaultAnswerLimit}
	if err := e.run(ctx, args, creds, buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (e *Exec) run(ctx context.Context, args []string, creds Credentials, out io.Writer) error {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	full := append(append([]string{}, e.cfg.Args...), args...)
	// #nosec G204 -- command comes from operator configuration
	cmd := exec.CommandContext(ctx, e.cfg.Command, full...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = e.environ(creds)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcess(cmd)
	grace := e.cfg.TerminateGrace
	cmd.Cancel = func() error {
		terminateProcess(cmd, grace)
		return nil
	}
	cmd.WaitDelay = grace + time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		e.logger.Info("report engine finished", "duration", elapsed)
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger.Warn("report engine stopped", "duration", elapsed, "error", ctxErr)
		return fmt.Errorf("%w: %w", ErrEngineFailure, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.logger.Warn("report engine exited with error", "duration", elapsed, "exit_code", exitErr.ExitCode())
		return fmt.Errorf("%w: exit code %d", ErrEngineFailure, exitErr.ExitCode())
	}
	e.logger.Error("report engine could not run", "error", err)
	return fmt.Errorf("%w: %w", ErrEngineFailure, err)
}

// environ builds the child environment: the host environment without any
// AWS_ variables, the configured extras, the job credentials, and the
// non-interactive flag.
func (e *Exec) environ(creds Credentials) []string {
	host := os.Environ()
	env := make([]string, 0, len(host)+len(e.cfg.Env)+5)
	for _, kv := range host {
		if strings.HasPrefix(kv, "AWS_") || strings.HasPrefix(kv, NonInteractiveEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, e.cfg.Env...)
	env = append(env, creds.Env()...)
	return append(env, NonInteractiveEnv+"=1")
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

var _ Engine = (*Exec)(nil)
