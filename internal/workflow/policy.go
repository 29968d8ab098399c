package workflow

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"phaseline/internal/config"
)

// Error kinds named by retry policy non_retryable lists.
const (
	KindValidation          = "validation"
	KindNotFound            = "not_found"
	KindInvalidPrompt       = "invalid_prompt"
	KindQuotaExceeded       = "quota_exceeded"
	KindConstraintViolation = "constraint_violation"
	KindCorruptFile         = "corrupt_file"
	KindTransient           = "transient"
)

// ClassifiedError tags an activity failure with an error kind so the
// retry policy can tell retryable failures from terminal ones.
type ClassifiedError struct {
	Kind string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with an error kind. A nil err returns nil.
func Classify(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for
// unclassified errors.
func KindOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// RetryRegistry resolves retry policies by activity class.
type RetryRegistry struct {
	policies map[string]config.RetryPolicy
	fallback config.RetryPolicy
}

// NewRetryRegistry builds a registry from config. Activity classes
// without a policy fall back to a single attempt.
func NewRetryRegistry(cfg *config.Config) RetryRegistry {
	policies := map[string]config.RetryPolicy{}
	if cfg != nil {
		for class, p := range cfg.Retry.Policies {
			policies[class] = p
		}
	}
	return RetryRegistry{
		policies: policies,
		fallback: config.RetryPolicy{MaxAttempts: 1},
	}
}

// Policy returns the policy for an activity class.
func (r RetryRegistry) Policy(class string) config.RetryPolicy {
	if p, ok := r.policies[class]; ok {
		return p
	}
	return r.fallback
}

// NonRetryable reports whether the class's policy lists the error kind
// as terminal.
func (r RetryRegistry) NonRetryable(class string, err error) bool {
	kind := KindOf(err)
	for _, k := range r.Policy(class).NonRetryable {
		if k == kind {
			return true
		}
	}
	return false
}

// newBackOff builds a fresh exponential backoff from a policy. Backoff
// state is per call; policies themselves stay immutable.
func newBackOff(p config.RetryPolicy) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval.Std()
	}
	if p.BackoffCoefficient >= 1 {
		bo.Multiplier = p.BackoffCoefficient
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval.Std()
	}
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.1
	bo.Reset()
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return backoff.WithMaxRetries(bo, uint64(max-1))
}

// CompensationRegistry resolves compensation policies by phase name.
type CompensationRegistry struct {
	policies map[string]config.CompensationPolicy
}

func NewCompensationRegistry(cfg *config.Config) CompensationRegistry {
	policies := map[string]config.CompensationPolicy{}
	if cfg != nil {
		for phase, p := range cfg.Compensation.Policies {
			policies[phase] = p
		}
	}
	return CompensationRegistry{policies: policies}
}

// Policy returns the phase's compensation policy. Phases without one
// default to notify, which degrades to a log line when no webhooks are
// configured.
func (r CompensationRegistry) Policy(phase string) config.CompensationPolicy {
	if p, ok := r.policies[phase]; ok {
		return p
	}
	return config.CompensationPolicy{Action: "notify"}
}
