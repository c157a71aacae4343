// Package stage implements the pipeline's stage executors: snapshot, deploy,
// evaluate, and merge. Each executor is a uniform capability invoked by the
// supervisor under a per-stage timeout, honors context cancellation, and is
// idempotent-safe under at-least-once invocation — re-running an attempt must
// not create duplicate external resources.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

// Stage is one retryable unit of external pipeline work.
type Stage interface {
	// Executor names the unit for attempt bookkeeping.
	Executor() pipeline.Executor
	// Execute runs the stage for one attempt. It always returns a result:
	// execution errors become Failure outcomes, context expiry becomes
	// Timeout, and cancellation becomes Cancelled.
	Execute(ctx context.Context, run *pipeline.ValidationRun, attempt int) *pipeline.StageResult
}

// ErrMissingPrereq is wrapped into failure details when a stage cannot find
// the output of its predecessor in the run's history.
var ErrMissingPrereq = errors.New("stage: missing prerequisite result")

// begin stamps the start of an attempt.
func begin(e pipeline.Executor, attempt int) *pipeline.StageResult {
	return &pipeline.StageResult{
		Executor:  e,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	}
}

// finish classifies the outcome from err and the context state.
func finish(ctx context.Context, sr *pipeline.StageResult, err error) *pipeline.StageResult {
	sr.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		sr.Outcome = pipeline.OutcomeSuccess
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		sr.Outcome = pipeline.OutcomeTimeout
		sr.Detail = errDetail(err)
	case errors.Is(ctx.Err(), context.Canceled):
		sr.Outcome = pipeline.OutcomeCancelled
		sr.Detail = errDetail(err)
	default:
		sr.Outcome = pipeline.OutcomeFailure
		sr.Detail = errDetail(err)
	}
	return sr
}

func errDetail(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

// detailOf decodes the detail payload of the latest successful result for an
// executor out of the run's history.
func detailOf[T any](run *pipeline.ValidationRun, e pipeline.Executor) (*T, error) {
	last := run.LastResult(e)
	if last == nil || last.Outcome != pipeline.OutcomeSuccess {
		return nil, ErrMissingPrereq
	}
	var v T
	if err := json.Unmarshal([]byte(last.Detail), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func marshalDetail(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
