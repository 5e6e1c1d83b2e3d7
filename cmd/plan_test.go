package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

func writeTempPlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPlanYAML(t *testing.T) {
	path := writeTempPlan(t, "plan.yaml", `
goal: log in
steps:
  - op: type
    target: "#username"
    text: admin
  - op: click
    target: Log in
    verify_after:
      - type: text_contains
        value: Welcome
abort_when:
  - type: text_contains
    value: Access denied
`)

	plan, err := loadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, "log in", plan.Goal)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, schemas.OpType, plan.Steps[0].Op)
	assert.Equal(t, "#username", plan.Steps[0].Target)
	require.Len(t, plan.Steps[1].VerifyAfter, 1)
	assert.Equal(t, schemas.CondTextContains, plan.Steps[1].VerifyAfter[0].Type)
	require.Len(t, plan.AbortWhen, 1)
}

func TestLoadPlanJSON(t *testing.T) {
	path := writeTempPlan(t, "plan.json", `{
      "goal": "scroll down",
      "steps": [{"op": "scroll", "scroll_dy": 500}]
    }`)

	plan, err := loadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, schemas.OpScroll, plan.Steps[0].Op)
	assert.Equal(t, 500, plan.Steps[0].ScrollDY)
}

func TestLoadPlanRejectsInvalidContent(t *testing.T) {
	path := writeTempPlan(t, "plan.yaml", `
goal: broken
steps:
  - op: explode
`)
	_, err := loadPlan(path)
	assert.ErrorIs(t, err, schemas.ErrInvalidPlan)
}

func TestLoadPlanUnsupportedExtension(t *testing.T) {
	path := writeTempPlan(t, "plan.toml", `goal = "nope"`)
	_, err := loadPlan(path)
	assert.Error(t, err)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := loadPlan(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
