package orchestrator

import (
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// Option configures a Controller.
type Option func(*Controller)

// WithReviewer sets the human-review boundary. Defaults to an immediate
// AutoApprover.
func WithReviewer(r Reviewer) Option {
	return func(c *Controller) {
		c.reviewer = r
	}
}

// WithReviseCeiling bounds the validation revise loop. Defaults to
// DefaultReviseCeiling.
func WithReviseCeiling(n int) Option {
	return func(c *Controller) {
		c.ceiling = n
	}
}

// WithWorkerTimeout bounds each worker invocation. Zero disables the
// timeout.
func WithWorkerTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.executorCfg.WorkerTimeout = d
	}
}

// WithBestEffortStage marks a stage as best-effort: when every worker in it
// fails the run continues with an empty stage output instead of failing.
func WithBestEffortStage(stage models.Phase) Option {
	return func(c *Controller) {
		if c.executorCfg.BestEffort == nil {
			c.executorCfg.BestEffort = make(map[models.Phase]bool)
		}
		c.executorCfg.BestEffort[stage] = true
	}
}

// WithBackoff sets the retry policy for transient checkpoint-store
// failures.
func WithBackoff(p BackoffPolicy) Option {
	return func(c *Controller) {
		c.backoff = p
	}
}

// WithEventEmitter attaches an emitter for progress events.
func WithEventEmitter(e *EventEmitter) Option {
	return func(c *Controller) {
		c.emitter = e
	}
}
