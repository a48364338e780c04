// Package workflow implements the human-in-the-loop command state machine.
//
// The Engine holds no session state. Every operation takes a session snapshot
// and returns a new one, so a suspended session can be checkpointed, reloaded
// by another process, and resumed with the same result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/runner"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxRetries        = 3
	DefaultExecutionTimeout  = 30 * time.Second
	DefaultGenerationTimeout = 60 * time.Second
)

// Generator produces a candidate command from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Executor runs an approved command.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) (runner.Result, error)
}

// Policy decides which execution outcomes count as errors.
type Policy struct {
	// FailOnNonZeroExit treats a non-zero exit status as an error even when
	// stderr is empty.
	FailOnNonZeroExit bool
	// FailOnStderr treats output on stderr as an error even when the exit
	// status is zero.
	FailOnStderr bool
}

// DefaultPolicy fails on non-zero exit and tolerates stderr on success.
func DefaultPolicy() Policy {
	return Policy{FailOnNonZeroExit: true}
}

// Config tunes the engine.
type Config struct {
	MaxRetries        int
	ExecutionTimeout  time.Duration
	GenerationTimeout time.Duration
	Policy            Policy
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	return c
}

// Engine advances sessions through generate, approve, execute, evaluate and
// retry.
type Engine struct {
	gen    Generator
	exec   Executor
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. Zero-valued durations and MaxRetries fall back to
// their defaults.
func New(gen Generator, exec Executor, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		gen:    gen,
		exec:   exec,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// NewSession returns a session ready for its first Advance.
func (e *Engine) NewSession(id, userPrompt string) *models.Session {
	now := e.now().UTC()
	return &models.Session{
		ID:         id,
		UserPrompt: strings.TrimSpace(userPrompt),
		MaxRetries: e.cfg.MaxRetries,
		State:      models.StateGenerating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Resume applies a human decision to a suspended session and returns the
// resulting snapshot. It performs no I/O. Decisions that are not among the
// pending request's options, or that arrive while the session is not
// suspended, return ErrInvalidDecision and the input session unchanged.
func (e *Engine) Resume(sess *models.Session, decision string) (*models.Session, error) {
	pending := sess.Pending()
	if pending == nil {
		return sess, fmt.Errorf("%w (state %s)", ErrNotWaiting, sess.State)
	}
	key := strings.ToLower(strings.TrimSpace(decision))
	if !models.HasOption(pending, key) {
		return sess, fmt.Errorf("%w: %q is not one of %s", ErrInvalidDecision, decision,
			strings.Join(models.OptionKeys(pending), ", "))
	}

	s := sess.Clone()
	switch s.State {
	case models.StateAwaitingApproval:
		switch key {
		case models.DecisionApprove:
			s.State = models.StateExecuting
		case models.DecisionReject:
			s.State = models.StateGenerating
		case models.DecisionCancel:
			s.State = models.StateCancelled
		}
	case models.StateAwaitingRetryDecision:
		switch key {
		case models.DecisionRetry:
			s.RetryCount++
			s.State = models.StateRetryGenerating
		case models.DecisionStop:
			s.State = models.StateDone
		}
	}
	s.UpdatedAt = e.now().UTC()
	e.logger.Debug("decision applied", "session", s.ID, "decision", key, "state", s.State)
	return s, nil
}

// Rewind returns a session caught mid-step to the suspension the step began
// from, so the decision that started it can be submitted again. Suspended,
// terminal and fresh sessions are returned unchanged.
func (e *Engine) Rewind(sess *models.Session) *models.Session {
	if sess.State.Suspended() || sess.State.Terminal() || sess.GeneratedCommand == "" {
		return sess
	}
	s := sess.Clone()
	switch s.State {
	case models.StateExecuting, models.StateGenerating:
		s.State = models.StateAwaitingApproval
	case models.StateRetryGenerating:
		s.State = models.StateAwaitingRetryDecision
		if s.RetryCount > 0 {
			s.RetryCount--
		}
	default:
		return sess
	}
	s.UpdatedAt = e.now().UTC()
	e.logger.Debug("step rewound", "session", s.ID, "state", s.State)
	return s
}

// Advance runs internal transitions until the session is suspended or
// terminal. A generation failure ends the session in StateFailed and the
// error is returned alongside the failed snapshot. If ctx is cancelled the
// input session is returned with ctx's error so the caller can keep its last
// checkpoint.
func (e *Engine) Advance(ctx context.Context, sess *models.Session) (*models.Session, error) {
	s := sess.Clone()
	for {
		if s.State.Suspended() || s.State.Terminal() {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return sess, err
		}

		switch s.State {
		case models.StateGenerating:
			system, user := GenerationPrompt(s.UserPrompt)
			if err := e.generate(ctx, s, system, user); err != nil {
				if ctx.Err() != nil {
					return sess, ctx.Err()
				}
				return e.fail(s, err), err
			}

		case models.StateRetryGenerating:
			system, user := RetryPrompt(s.UserPrompt, s.GeneratedCommand, s.CommandError, s.RetryCount, s.MaxRetries)
			if err := e.generate(ctx, s, system, user); err != nil {
				if ctx.Err() != nil {
					return sess, ctx.Err()
				}
				return e.fail(s, err), err
			}

		case models.StateExecuting:
			if s.GeneratedCommand == "" {
				err := fmt.Errorf("%w: no command to execute", ErrGeneration)
				return e.fail(s, err), err
			}
			if err := e.execute(ctx, s); err != nil {
				return sess, err
			}
			s.State = e.evaluate(s)

		default:
			err := fmt.Errorf("unknown state %q", s.State)
			return e.fail(s, err), err
		}
	}
}

// Step is the engine's transition function: it applies decision (when not
// nil) and advances the session to its next suspension or termination,
// describing the outcome. Failures that end the session are reported in the
// outbound SessionResult rather than as an error; the returned error is
// reserved for rejected decisions and cancellation, in which case the input
// session is returned unchanged.
func (e *Engine) Step(ctx context.Context, sess *models.Session, decision *string) (*models.Session, models.Outbound, error) {
	s := sess
	if decision != nil {
		resumed, err := e.Resume(sess, *decision)
		if err != nil {
			return sess, models.Outbound{}, err
		}
		s = resumed
	}

	next, err := e.Advance(ctx, s)
	if err != nil {
		if next.State != models.StateFailed {
			return sess, models.Outbound{}, err
		}
		e.logger.Warn("session failed", "session", next.ID, "error", err)
	}
	return next, models.Describe(next), nil
}

func (e *Engine) generate(ctx context.Context, s *models.Session, system, user string) error {
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	text, err := e.gen.Generate(genCtx, system, user)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	command := Clean(text)
	if command == "" {
		return fmt.Errorf("%w: empty response", ErrGeneration)
	}

	s.GeneratedCommand = command
	s.State = models.StateAwaitingApproval
	s.UpdatedAt = e.now().UTC()
	e.logger.Debug("command generated", "session", s.ID, "retry", s.RetryCount)
	return nil
}

// execute runs the session's command and records the outcome. Only
// cancellation of ctx is returned as an error; every execution failure is
// recorded on the session as CommandError.
func (e *Engine) execute(ctx context.Context, s *models.Session) error {
	started := e.now().UTC()
	res, err := e.exec.Run(ctx, s.GeneratedCommand, e.cfg.ExecutionTimeout)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	attempt := models.Attempt{
		Command:   s.GeneratedCommand,
		Output:    res.Stdout,
		ExitCode:  res.ExitCode,
		StartedAt: started,
		Duration:  res.Duration,
	}

	switch {
	case errors.Is(err, runner.ErrTimeout):
		attempt.TimedOut = true
		attempt.Error = err.Error()
	case err != nil:
		attempt.Error = "Error executing command: " + err.Error()
	default:
		attempt.Error = e.errorText(res)
	}

	s.CommandOutput = attempt.Output
	s.CommandError = attempt.Error
	s.ExitCode = attempt.ExitCode
	s.Attempts = append(s.Attempts, attempt)
	s.UpdatedAt = e.now().UTC()

	e.logger.Info("command executed", "session", s.ID, "exit_code", res.ExitCode,
		"timed_out", attempt.TimedOut, "failed", attempt.Error != "")
	return nil
}

// errorText applies the policy to a completed run.
func (e *Engine) errorText(res runner.Result) string {
	stderr := strings.TrimSpace(res.Stderr)
	if res.ExitCode != 0 {
		if stderr != "" {
			return res.Stderr
		}
		if e.cfg.Policy.FailOnNonZeroExit {
			return fmt.Sprintf("command exited with status %d", res.ExitCode)
		}
		return ""
	}
	if e.cfg.Policy.FailOnStderr && stderr != "" {
		return res.Stderr
	}
	return ""
}

// evaluate picks the state after an execution. Once RetryCount reaches
// MaxRetries a failure ends the session instead of offering another retry.
func (e *Engine) evaluate(s *models.Session) models.State {
	if s.CommandError != "" && s.RetryCount < s.MaxRetries {
		return models.StateAwaitingRetryDecision
	}
	return models.StateDone
}

func (e *Engine) fail(s *models.Session, err error) *models.Session {
	s.State = models.StateFailed
	s.Failure = err.Error()
	s.UpdatedAt = e.now().UTC()
	return s
}
