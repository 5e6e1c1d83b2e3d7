package schemas

import (
	"fmt"
	"time"
)

// -- Operations --

// ActionOp is the closed set of operations a plan step may perform.
// Keeping this a tagged enum means invalid operations are rejected when a
// plan is validated, not when a step executes.
type ActionOp string

const (
	OpClick  ActionOp = "click"
	OpType   ActionOp = "type"
	OpWait   ActionOp = "wait"
	OpVerify ActionOp = "verify"
	OpScroll ActionOp = "scroll"
)

// validOps is the allow-list consulted by Validate.
var validOps = map[ActionOp]bool{
	OpClick:  true,
	OpType:   true,
	OpWait:   true,
	OpVerify: true,
	OpScroll: true,
}

// -- Verification conditions --

// ConditionType enumerates the supported pre/post condition predicates.
type ConditionType string

const (
	CondAnchorVisible ConditionType = "anchor_visible"
	CondElementFound  ConditionType = "element_found"
	CondTextContains  ConditionType = "text_contains"
	CondFieldContains ConditionType = "field_contains"
	CondScreenChanged ConditionType = "screen_changed"
	CondCursorType    ConditionType = "cursor_type"
)

var validConditions = map[ConditionType]bool{
	CondAnchorVisible: true,
	CondElementFound:  true,
	CondTextContains:  true,
	CondFieldContains: true,
	CondScreenChanged: true,
	CondCursorType:    true,
}

// VerifyCondition is a typed predicate evaluated against the live surface.
type VerifyCondition struct {
	Type ConditionType `json:"type" yaml:"type"`
	// Target names the anchor, element or field the predicate applies to.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Value is the expected text for text/field predicates, or the expected
	// cursor name for CondCursorType.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// MinConfidence is the minimum confidence for the predicate to hold.
	// Zero means the engine default.
	MinConfidence float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// -- Steps and plans --

// ActionStep is one unit of work in an ActionPlan.
type ActionStep struct {
	Op     ActionOp `json:"op" yaml:"op"`
	Target string   `json:"target,omitempty" yaml:"target,omitempty"`
	// Text is the input payload for OpType.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
	// WaitMs is the pause duration for OpWait.
	WaitMs int `json:"wait_ms,omitempty" yaml:"wait_ms,omitempty"`
	// ScrollDX and ScrollDY are the scroll deltas for OpScroll.
	ScrollDX     int               `json:"scroll_dx,omitempty" yaml:"scroll_dx,omitempty"`
	ScrollDY     int               `json:"scroll_dy,omitempty" yaml:"scroll_dy,omitempty"`
	VerifyBefore []VerifyCondition `json:"verify_before,omitempty" yaml:"verify_before,omitempty"`
	VerifyAfter  []VerifyCondition `json:"verify_after,omitempty" yaml:"verify_after,omitempty"`
	// Retries is the per-step retry budget. Nil means the engine default;
	// an explicit zero means no retries.
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// Timeout bounds the step's execution. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ActionPlan is an ordered list of steps built against a specific
// ScreenState, plus global abort conditions that halt execution immediately
// when any of them matches.
type ActionPlan struct {
	Goal string `json:"goal" yaml:"goal"`
	// ScreenStateID identifies the analysis the plan was built against.
	ScreenStateID string            `json:"screen_state_id,omitempty" yaml:"screen_state_id,omitempty"`
	Steps         []ActionStep      `json:"steps" yaml:"steps"`
	AbortWhen     []VerifyCondition `json:"abort_when,omitempty" yaml:"abort_when,omitempty"`
}

// Validate rejects malformed plans before any step executes. Execution
// never begins on a plan that fails validation.
func (p *ActionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	for i, step := range p.Steps {
		if !validOps[step.Op] {
			return fmt.Errorf("%w: step %d has unknown op %q", ErrInvalidPlan, i, step.Op)
		}
		switch step.Op {
		case OpClick:
			if step.Target == "" {
				return fmt.Errorf("%w: step %d (click) requires a target", ErrInvalidPlan, i)
			}
		case OpType:
			if step.Target == "" {
				return fmt.Errorf("%w: step %d (type) requires a target", ErrInvalidPlan, i)
			}
		case OpWait:
			if step.WaitMs <= 0 {
				return fmt.Errorf("%w: step %d (wait) requires a positive wait_ms", ErrInvalidPlan, i)
			}
		case OpVerify:
			if len(step.VerifyBefore) == 0 && len(step.VerifyAfter) == 0 {
				return fmt.Errorf("%w: step %d (verify) carries no conditions", ErrInvalidPlan, i)
			}
		}
		for _, cond := range append(append([]VerifyCondition{}, step.VerifyBefore...), step.VerifyAfter...) {
			if err := validateCondition(cond); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidPlan, i, err)
			}
		}
		if step.Timeout < 0 {
			return fmt.Errorf("%w: step %d has a negative timeout", ErrInvalidPlan, i)
		}
	}
	for _, cond := range p.AbortWhen {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("%w: abort condition: %v", ErrInvalidPlan, err)
		}
	}
	return nil
}

func validateCondition(cond VerifyCondition) error {
	if !validConditions[cond.Type] {
		return fmt.Errorf("unknown condition type %q", cond.Type)
	}
	switch cond.Type {
	case CondAnchorVisible, CondElementFound:
		if cond.Target == "" {
			return fmt.Errorf("condition %s requires a target", cond.Type)
		}
	case CondTextContains, CondFieldContains, CondCursorType:
		if cond.Value == "" {
			return fmt.Errorf("condition %s requires a value", cond.Type)
		}
	}
	if cond.MinConfidence < 0 || cond.MinConfidence > 1 {
		return fmt.Errorf("condition %s min_confidence out of range", cond.Type)
	}
	return nil
}

// -- Retry policy --

// RetryPolicy is the explicit bounded retry behavior the contract engine
// applies when a step's post-conditions fail.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per step, including the
	// first. Must be at least 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Backoff is the pause between attempts.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// Attempts normalizes a per-step retry budget against the policy default.
// A nil budget means the policy default; an explicit budget of n means
// n retries on top of the first attempt.
func (rp RetryPolicy) Attempts(stepRetries *int) int {
	if stepRetries == nil {
		if rp.MaxAttempts < 1 {
			return 1
		}
		return rp.MaxAttempts
	}
	if *stepRetries < 0 {
		return 1
	}
	return *stepRetries + 1
}

// -- Results --

// StopReason explains why plan execution halted.
type StopReason string

const (
	StopCompleted  StopReason = "completed"
	StopStepFailed StopReason = "step_failed"
	StopAborted    StopReason = "aborted"
	StopCancelled  StopReason = "cancelled"
)

// ExecutionResult is the complete, immutable outcome of ExecutePlan. It is
// always returned, even on failure, with a log trail sufficient to show the
// exact step and condition that failed.
type ExecutionResult struct {
	Success        bool        `json:"success"`
	Reason         StopReason  `json:"reason"`
	CompletedSteps int         `json:"completed_steps"`
	// FailedStep is the index of the failing step, or -1 when no step failed.
	FailedStep int           `json:"failed_step"`
	Error      string        `json:"error,omitempty"`
	FinalState *ScreenState  `json:"final_state,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Log        []string      `json:"log"`
}

// -- Controller actions --

// Action is a single resolved interaction request handed to the decision
// controller.
type Action struct {
	Op     ActionOp `json:"op"`
	Target string   `json:"target"`
	Text   string   `json:"text,omitempty"`
	DX     int      `json:"dx,omitempty"`
	DY     int      `json:"dy,omitempty"`
	// Describe is the natural language description handed to the perception
	// backend when structural resolution fails. Empty means Target is used.
	Describe string `json:"describe,omitempty"`
	// Expected, when non-nil, makes the controller re-observe after
	// execution and record whether the expectation held. The controller
	// records the comparison but never retries; retry policy lives in the
	// contract engine.
	Expected *ExpectedOutcome `json:"expected,omitempty"`
}

// ExpectedOutcome describes the post-action observation an Action is
// expected to produce.
type ExpectedOutcome struct {
	// ScreenChanged expects the structural hash to differ after execution.
	ScreenChanged bool `json:"screen_changed,omitempty"`
	// MarkupContains expects the post-action markup to contain this text.
	MarkupContains string `json:"markup_contains,omitempty"`
}

// Description returns the perception-facing description of the target.
func (a Action) Description() string {
	if a.Describe != "" {
		return a.Describe
	}
	return a.Target
}

// ExecutionMethod names the path an action took.
type ExecutionMethod string

const (
	ExecStructural ExecutionMethod = "structural"
	ExecPerceptual ExecutionMethod = "perceptual"
)

// Outcome is the non-throwing result of one controller execution.
type Outcome struct {
	Method   ExecutionMethod `json:"method"`
	Success  bool            `json:"success"`
	FellBack bool            `json:"fell_back"`
	Elapsed  time.Duration   `json:"elapsed"`
	Err      string          `json:"error,omitempty"`
	// Verified reports the expected-outcome comparison when one was
	// supplied; nil when no expectation was attached.
	Verified *bool `json:"verified,omitempty"`
}
