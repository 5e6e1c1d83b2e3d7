package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/api/schemas"
	"github.com/xkilldash9x/steadyhand/internal/indexer"
)

// CursorReporter is an optional driver capability used by the cursor_type
// condition. Drivers that cannot report the cursor simply fail the
// condition.
type CursorReporter interface {
	Cursor(ctx context.Context) (string, error)
}

// ExecutePlan runs the plan's steps in order through the decision
// controller, verifying each step's conditions before and after it.
// The returned error is non-nil only for malformed input; every runtime
// failure is reported inside the ExecutionResult.
func (e *Engine) ExecutePlan(ctx context.Context, plan schemas.ActionPlan) (schemas.ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return schemas.ExecutionResult{}, err
	}

	start := time.Now()
	result := schemas.ExecutionResult{FailedStep: -1}
	trace := func(format string, args ...interface{}) {
		line := fmt.Sprintf("%s %s", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
		result.Log = append(result.Log, line)
	}
	trace("plan start: %s (%d steps)", plan.Goal, len(plan.Steps))

	finish := func(reason schemas.StopReason, failedStep int, err error) (schemas.ExecutionResult, error) {
		result.Reason = reason
		result.Success = reason == schemas.StopCompleted
		result.FailedStep = failedStep
		if err != nil {
			result.Error = err.Error()
		}
		if state, stateErr := e.AnalyzeState(ctx, nil, nil); stateErr == nil {
			result.FinalState = &state
		}
		result.Elapsed = time.Since(start)
		trace("plan %s after %d/%d steps", reason, result.CompletedSteps, len(plan.Steps))
		return result, nil
	}

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			return finish(schemas.StopCancelled, i, ctx.Err())
		}
		trace("step %d: %s %q", i, step.Op, step.Target)

		stepTimeout := step.Timeout
		if stepTimeout <= 0 {
			stepTimeout = e.cfg.StepTimeout
		}

		// Pre-conditions short-circuit the step: a failing verify_before
		// means the operation never executes, so no side effects occur.
		if failed, why := e.evaluateConditions(ctx, step.VerifyBefore, 0); failed {
			trace("step %d pre-condition failed: %s", i, why)
			return finish(schemas.StopStepFailed, i,
				fmt.Errorf("%w: step %d: %s", schemas.ErrVerificationFailure, i, why))
		}

		attempts := e.cfg.Retry.Attempts(step.Retries)
		var stepErr error

		for attempt := 1; attempt <= attempts; attempt++ {
			preHash := e.currentHash(ctx)

			stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
			stepErr = e.executeStep(stepCtx, step, trace, i)
			cancel()

			if stepErr == nil {
				if failed, why := e.evaluateConditions(ctx, step.VerifyAfter, preHash); failed {
					stepErr = fmt.Errorf("%w: %s", schemas.ErrVerificationFailure, why)
				}
			}

			// Abort conditions outrank everything, including remaining
			// retries for this step.
			if matched, which := e.checkAbort(ctx, plan.AbortWhen); matched {
				trace("abort condition matched: %s", which)
				return finish(schemas.StopAborted, i,
					fmt.Errorf("%w: %s", schemas.ErrAbortTriggered, which))
			}

			if stepErr == nil {
				break
			}
			trace("step %d attempt %d/%d failed: %v", i, attempt, attempts, stepErr)
			if attempt < attempts {
				select {
				case <-time.After(e.cfg.Retry.Backoff):
				case <-ctx.Done():
					return finish(schemas.StopCancelled, i, ctx.Err())
				}
			}
		}

		if stepErr != nil {
			e.logger.Warn("Step failed terminally.",
				zap.Int("step", i), zap.String("op", string(step.Op)), zap.Error(stepErr))
			return finish(schemas.StopStepFailed, i, fmt.Errorf("step %d: %w", i, stepErr))
		}
		result.CompletedSteps++
		trace("step %d ok", i)
	}

	return finish(schemas.StopCompleted, -1, nil)
}

// executeStep performs the step's operation. Verification-only steps have
// no operation to perform.
func (e *Engine) executeStep(ctx context.Context, step schemas.ActionStep, trace func(string, ...interface{}), index int) error {
	switch step.Op {
	case schemas.OpWait:
		select {
		case <-time.After(time.Duration(step.WaitMs) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case schemas.OpVerify:
		return nil

	case schemas.OpClick, schemas.OpType, schemas.OpScroll:
		action := schemas.Action{
			Op:     step.Op,
			Target: step.Target,
			Text:   step.Text,
			DX:     step.ScrollDX,
			DY:     step.ScrollDY,
		}
		outcome := e.controller.Execute(ctx, action)
		trace("step %d executed via %s (fellBack=%v, %s)", index, outcome.Method, outcome.FellBack, outcome.Elapsed.Round(time.Millisecond))
		if !outcome.Success {
			if outcome.Err != "" {
				return fmt.Errorf("%w: %s", schemas.ErrExecutionFailure, outcome.Err)
			}
			return schemas.ErrExecutionFailure
		}
		return nil

	default:
		// Unreachable past validation.
		return fmt.Errorf("%w: unknown op %q", schemas.ErrInvalidPlan, step.Op)
	}
}

// evaluateConditions checks every condition; all must hold. Returns the
// first failure and a human-readable reason.
func (e *Engine) evaluateConditions(ctx context.Context, conds []schemas.VerifyCondition, preHash uint64) (failed bool, reason string) {
	for _, cond := range conds {
		ok, why := e.evaluateCondition(ctx, cond, preHash)
		if !ok {
			return true, why
		}
	}
	return false, ""
}

// checkAbort reports whether any global abort condition currently matches.
func (e *Engine) checkAbort(ctx context.Context, conds []schemas.VerifyCondition) (bool, string) {
	for _, cond := range conds {
		// Abort semantics invert the predicate's role: a holding
		// condition triggers the abort.
		if ok, _ := e.evaluateCondition(ctx, cond, 0); ok {
			return true, fmt.Sprintf("%s %q", cond.Type, cond.Target+cond.Value)
		}
	}
	return false, ""
}

// evaluateCondition checks one typed predicate against the live surface.
func (e *Engine) evaluateCondition(ctx context.Context, cond schemas.VerifyCondition, preHash uint64) (bool, string) {
	minConf := cond.MinConfidence
	if minConf <= 0 {
		minConf = e.cfg.MinConfidence
	}

	switch cond.Type {
	case schemas.CondScreenChanged:
		current := e.currentHash(ctx)
		if current == 0 {
			// A capture failure is reported as such, never folded into
			// "did not change".
			return false, "markup capture failed; cannot verify screen change"
		}
		if preHash == 0 {
			// No baseline inside this evaluation; fall back to the last
			// tracked observation.
			if last, ok := e.tracker.Latest(); ok {
				preHash = last.StructuralHash
			}
		}
		if current != preHash {
			return true, ""
		}
		return false, "screen did not change"

	case schemas.CondCursorType:
		reporter, ok := e.driver.(CursorReporter)
		if !ok {
			return false, "driver cannot report cursor type"
		}
		cursor, err := reporter.Cursor(ctx)
		if err != nil {
			return false, fmt.Sprintf("cursor lookup failed: %v", err)
		}
		if strings.EqualFold(cursor, cond.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("cursor is %q, want %q", cursor, cond.Value)

	case schemas.CondTextContains:
		markup, err := e.driver.Markup(ctx)
		if err != nil {
			return false, fmt.Sprintf("markup capture failed: %v", err)
		}
		if visibleTextContains(markup, cond.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("text %q not present", cond.Value)

	case schemas.CondElementFound, schemas.CondAnchorVisible:
		markup, err := e.driver.Markup(ctx)
		if err != nil {
			return false, fmt.Sprintf("markup capture failed: %v", err)
		}
		elements, err := indexer.Parse(markup)
		if err != nil {
			return false, fmt.Sprintf("markup parse failed: %v", err)
		}
		if el, ok := resolveTarget(elements, cond.Target); ok && el.Confidence >= minConf {
			return true, ""
		}
		// Anchor visibility also accepts plain visible text, matching
		// AnalyzeState's anchor evaluation.
		if cond.Type == schemas.CondAnchorVisible && visibleTextContains(markup, cond.Target) {
			return true, ""
		}
		return false, fmt.Sprintf("%s %q not found", cond.Type, cond.Target)

	case schemas.CondFieldContains:
		markup, err := e.driver.Markup(ctx)
		if err != nil {
			return false, fmt.Sprintf("markup capture failed: %v", err)
		}
		elements, err := indexer.Parse(markup)
		if err != nil {
			return false, fmt.Sprintf("markup parse failed: %v", err)
		}
		el, ok := resolveTarget(elements, cond.Target)
		if !ok {
			return false, fmt.Sprintf("field %q not found", cond.Target)
		}
		if strings.Contains(el.Value, cond.Value) || strings.Contains(el.Text, cond.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("field %q does not contain %q", cond.Target, cond.Value)
	}

	return false, fmt.Sprintf("unknown condition %q", cond.Type)
}

// currentHash returns the structural hash of the live markup, or zero when
// capture fails.
func (e *Engine) currentHash(ctx context.Context) uint64 {
	markup, err := e.driver.Markup(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Debug("Markup capture failed while hashing.", zap.Error(err))
		}
		return 0
	}
	return indexer.HashMarkup(markup)
}
