package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/internal/observability"
)

// newRunCmd creates the `run` command: execute an action plan against a
// live surface.
func newRunCmd() *cobra.Command {
	var (
		planPath string
		deadline time.Duration
	)

	runCmd := &cobra.Command{
		Use:   "run [url]",
		Short: "Executes an action plan against the given URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			sess, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer sess.cleanup()

			runCtx := ctx
			if deadline > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}

			result, err := sess.engine.ExecutePlan(runCtx, plan)
			if err != nil {
				return err
			}

			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				logger.Warn("Plan did not complete.",
					zap.String("reason", string(result.Reason)),
					zap.Int("failed_step", result.FailedStep))
				return fmt.Errorf("plan stopped: %s", result.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&planPath, "plan", "p", "", "path to the action plan (.yaml or .json)")
	runCmd.Flags().DurationVar(&deadline, "deadline", 0, "overall deadline for plan execution (0 = none)")
	runCmd.MarkFlagRequired("plan")
	return runCmd
}
