// Package runner executes stage jobs. The controller only ever sees the
// narrow Submit contract: hand over a task, block until it completes or
// fails. Retry and timeout policy, if any, lives behind this interface.
package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/qcloop/qcloop/internal/domain"
)

// jobNamespace is a fixed UUID namespace for generating deterministic job
// IDs, so a restarted stage reuses the identity of its previous attempt.
var jobNamespace = uuid.MustParse("9f2c1b34-58e1-4f27-9d0a-6c3b7a81d4e2")

// Task describes one schedulable job of a stage.
type Task struct {
	ID      string   // deterministic job identifier
	Dir     string   // directory the job runs in
	Command string   // shell command line
	Env     []string // extra KEY=VALUE pairs for the job environment
}

// Runner submits a task and blocks until completion or failure.
type Runner interface {
	Submit(ctx context.Context, task Task) error
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, task Task) error

func (f Func) Submit(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// JobID returns the deterministic job identifier for a stage.
func JobID(id domain.StageID) string {
	return uuid.NewSHA1(jobNamespace, []byte(id.String())).String()
}
