package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validPlan() ActionPlan {
	return ActionPlan{
		Goal: "log in",
		Steps: []ActionStep{
			{Op: OpType, Target: "#username", Text: "admin"},
			{Op: OpClick, Target: "Log in"},
			{Op: OpWait, WaitMs: 100},
			{Op: OpVerify, VerifyAfter: []VerifyCondition{{Type: CondTextContains, Value: "Welcome"}}},
		},
		AbortWhen: []VerifyCondition{{Type: CondTextContains, Value: "Access denied"}},
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	plan := validPlan()
	assert.NoError(t, plan.Validate())
}

func TestValidateRejectsMalformedPlans(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ActionPlan)
	}{
		{"no steps", func(p *ActionPlan) { p.Steps = nil }},
		{"unknown op", func(p *ActionPlan) { p.Steps[0].Op = "teleport" }},
		{"click without target", func(p *ActionPlan) { p.Steps[1].Target = "" }},
		{"type without target", func(p *ActionPlan) { p.Steps[0].Target = "" }},
		{"wait without duration", func(p *ActionPlan) { p.Steps[2].WaitMs = 0 }},
		{"verify without conditions", func(p *ActionPlan) { p.Steps[3].VerifyAfter = nil }},
		{"negative timeout", func(p *ActionPlan) { p.Steps[0].Timeout = -1 }},
		{"unknown condition type", func(p *ActionPlan) {
			p.Steps[3].VerifyAfter = []VerifyCondition{{Type: "vibes"}}
		}},
		{"condition missing target", func(p *ActionPlan) {
			p.Steps[3].VerifyAfter = []VerifyCondition{{Type: CondElementFound}}
		}},
		{"condition missing value", func(p *ActionPlan) {
			p.Steps[3].VerifyAfter = []VerifyCondition{{Type: CondCursorType}}
		}},
		{"confidence out of range", func(p *ActionPlan) {
			p.Steps[3].VerifyAfter = []VerifyCondition{{Type: CondTextContains, Value: "x", MinConfidence: 1.5}}
		}},
		{"bad abort condition", func(p *ActionPlan) {
			p.AbortWhen = []VerifyCondition{{Type: CondAnchorVisible}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := validPlan()
			tc.mutate(&plan)
			err := plan.Validate()
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestActionDescription(t *testing.T) {
	a := Action{Target: "#btn"}
	assert.Equal(t, "#btn", a.Description())

	a.Describe = "the big blue button"
	assert.Equal(t, "the big blue button", a.Description())
}

func TestScreenStateElementLookup(t *testing.T) {
	state := ScreenState{
		Elements: []InteractiveElement{
			{ID: "e1", Text: "Save Draft", MatchText: "save draft", Label: "Save"},
			{ID: "e2", Text: "Publish", MatchText: "publish"},
		},
	}

	el, ok := state.Element("e2")
	assert.True(t, ok)
	assert.Equal(t, "Publish", el.Text)

	el, ok = state.Element("SAVE DRAFT")
	assert.True(t, ok)
	assert.Equal(t, "e1", el.ID)

	el, ok = state.Element("Save")
	assert.True(t, ok)
	assert.Equal(t, "e1", el.ID)

	_, ok = state.Element("Delete")
	assert.False(t, ok)
}

func TestRegionCenter(t *testing.T) {
	r := Region{X: 10, Y: 20, Width: 100, Height: 40}
	assert.Equal(t, Point{X: 60, Y: 40}, r.Center())
}

func TestFoldText(t *testing.T) {
	assert.Equal(t, "save changes", FoldText("  Save \n  Changes "))
	assert.Equal(t, "", FoldText("   "))
	assert.Equal(t, "save changes", NormalizePunct(FoldText("Save, Changes!")))
}
