package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Terminal activity outcomes.
const (
	StatusSucceeded     = "succeeded"
	StatusFailed        = "failed"
	StatusCompensated   = "compensated"
	StatusAwaitingHuman = "awaiting_human"
	StatusSkipped       = "skipped"
)

var (
	// ErrRetryExhausted marks an activity that failed on every allowed
	// attempt.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrCompensationFailed marks a compensation that itself failed and
	// now needs an operator. Compensations are never auto-retried.
	ErrCompensationFailed = errors.New("compensation failed")
)

// Activity is the work executed for a phase. Implementations return
// Classify'd errors so retry policies can tell terminal failures from
// transient ones.
type Activity func(ctx context.Context) error

// Result is the terminal outcome of one activity execution, including
// whatever compensation ran.
type Result struct {
	Status          string
	Attempts        int
	Err             error
	Compensation    string
	CompensationErr error
}

// Coordinator drives phase activities: retry per the activity class
// policy, then compensate per the phase policy when retries are
// exhausted.
type Coordinator struct {
	Engine       engine.Engine
	Retry        RetryRegistry
	Compensation CompensationRegistry
	Notifier     Notifier
	Now          func() time.Time
}

func NewCoordinator(eng engine.Engine, cfg *config.Config, notifier Notifier) Coordinator {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return Coordinator{
		Engine:       eng,
		Retry:        NewRetryRegistry(cfg),
		Compensation: NewCompensationRegistry(cfg),
		Notifier:     notifier,
		Now:          time.Now,
	}
}

// ExecuteOptions are parameters for one activity execution.
type ExecuteOptions struct {
	PhaseID       string
	ActivityClass string
	ActorID       string
	// InvocationID keys the exactly-once compensation claim. Callers
	// redelivering the same execution pass the same ID; empty means a
	// fresh one.
	InvocationID string
}

// ExecutePhaseActivity runs fn with the class's retry policy. On
// terminal failure it runs the phase's compensation exactly once per
// invocation and records the outcome. The returned Result is always
// meaningful; the error mirrors Result.Err for failed outcomes.
func (c Coordinator) ExecutePhaseActivity(ctx context.Context, opts ExecuteOptions, fn Activity) (Result, error) {
	phase, err := c.Engine.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return Result{}, err
	}
	if opts.InvocationID == "" {
		opts.InvocationID = uuid.New().String()
	}
	if err := c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseRunning, opts.ActorID); err != nil {
		return Result{}, err
	}

	policy := c.Retry.Policy(opts.ActivityClass)
	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if c.Retry.NonRetryable(opts.ActivityClass, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	runErr := backoff.Retry(op, backoff.WithContext(newBackOff(policy), ctx))
	if runErr == nil {
		if err := c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseComplete, opts.ActorID); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusSucceeded, Attempts: attempts}, nil
	}
	if attempts >= policy.MaxAttempts && !c.Retry.NonRetryable(opts.ActivityClass, runErr) && ctx.Err() == nil {
		runErr = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, runErr)
	}

	// Compensation still runs when the failure was a cancellation; a
	// torn-down worker must not leave the phase half-done.
	res := c.compensate(context.WithoutCancel(ctx), phase, opts, Result{Attempts: attempts, Err: runErr})
	return res, res.Err
}

func (c Coordinator) compensate(ctx context.Context, phase domain.Phase, opts ExecuteOptions, res Result) Result {
	policy := c.Compensation.Policy(phase.Name)
	res.Compensation = policy.Action

	claimed, err := c.Engine.Repo.ClaimCompensation(ctx, domain.Compensation{
		InvocationID: opts.InvocationID,
		PhaseID:      phase.ID,
		Action:       policy.Action,
		Status:       "running",
		CreatedAt:    c.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		res.Status = StatusFailed
		res.CompensationErr = fmt.Errorf("%w: claim: %w", ErrCompensationFailed, err)
		return res
	}
	if !claimed {
		// this invocation already compensated; report the recorded outcome
		prior, err := c.Engine.Repo.GetCompensation(ctx, opts.InvocationID)
		if err == nil && prior.Status == "failed" {
			res.Status = StatusFailed
			res.CompensationErr = fmt.Errorf("%w: %s", ErrCompensationFailed, prior.Error)
			return res
		}
		res.Status = c.statusFor(policy.Action)
		return res
	}

	compErr := c.runAction(ctx, phase, opts, policy)
	if compErr != nil {
		_ = c.Engine.Repo.FinishCompensation(ctx, opts.InvocationID, "failed", compErr.Error())
		_ = c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseFailed, opts.ActorID)
		res.Status = StatusFailed
		res.CompensationErr = fmt.Errorf("%w: %w", ErrCompensationFailed, compErr)
		return res
	}
	_ = c.Engine.Repo.FinishCompensation(ctx, opts.InvocationID, "done", "")
	res.Status = c.statusFor(policy.Action)
	return res
}

func (c Coordinator) statusFor(action string) string {
	switch action {
	case "manual_intervention":
		return StatusAwaitingHuman
	case "skip":
		return StatusSkipped
	default:
		return StatusCompensated
	}
}

func (c Coordinator) runAction(ctx context.Context, phase domain.Phase, opts ExecuteOptions, policy config.CompensationPolicy) error {
	reason := "activity failed"
	switch action := policy.Action; action {
	case "rollback":
		for _, target := range policy.RollbackTargets {
			if _, err := c.Engine.RollbackPhase(ctx, phase.CycleID, target, opts.ActorID, reason); err != nil {
				return fmt.Errorf("rollback %s: %w", target, err)
			}
		}
		return c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseFailed, opts.ActorID)
	case "partial_rollback":
		if _, err := c.Engine.AbortOpenDraft(ctx, phase.ID, opts.ActorID, reason); err != nil {
			return err
		}
		return c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseFailed, opts.ActorID)
	case "notify":
		if err := c.notify(ctx, phase, policy, action, reason); err != nil {
			return err
		}
		return c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseFailed, opts.ActorID)
	case "manual_intervention":
		if policy.RequiresHumanApproval {
			if err := c.notify(ctx, phase, policy, action, reason); err != nil {
				return err
			}
		}
		return c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseAwaitingHuman, opts.ActorID)
	case "skip":
		return c.Engine.SetPhaseStatus(ctx, phase.ID, engine.PhaseSkipped, opts.ActorID)
	default:
		return fmt.Errorf("unknown compensation action %q", action)
	}
}

func (c Coordinator) notify(ctx context.Context, phase domain.Phase, policy config.CompensationPolicy, action, reason string) error {
	return c.Notifier.Notify(ctx, policy.NotifyTargets, Notification{
		CycleID:   phase.CycleID,
		PhaseID:   phase.ID,
		PhaseName: phase.Name,
		Reason:    reason,
		Action:    action,
		TS:        c.Now().UTC().Format(time.RFC3339),
	})
}
