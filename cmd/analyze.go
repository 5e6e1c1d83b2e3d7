package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/steadyhand/api/schemas"
)

// newAnalyzeCmd creates the `analyze` command: evaluate anchors and targets
// against a live surface and print the resulting screen state.
func newAnalyzeCmd() *cobra.Command {
	var (
		anchorsPath string
		targets     []string
	)

	analyzeCmd := &cobra.Command{
		Use:   "analyze [url]",
		Short: "Analyzes the surface at the given URL and prints its screen state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var anchors []schemas.ScreenAnchor
			if anchorsPath != "" {
				data, err := os.ReadFile(anchorsPath)
				if err != nil {
					return fmt.Errorf("reading anchors file: %w", err)
				}
				if err := yaml.Unmarshal(data, &anchors); err != nil {
					return fmt.Errorf("parsing anchors file: %w", err)
				}
			}

			sess, err := openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer sess.cleanup()

			state, err := sess.engine.AnalyzeState(ctx, anchors, targets)
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}

	analyzeCmd.Flags().StringVarP(&anchorsPath, "anchors", "a", "", "path to a YAML file of screen anchors")
	analyzeCmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target element names to resolve (repeatable)")
	return analyzeCmd
}
