package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woxQAQ/wasp/internal/conformance"
)

func newCheckCommand(global *globalOptions) *cobra.Command {
	var suitePath string

	cmd := &cobra.Command{
		Use:   "check <plugin.wasm>",
		Short: "Run a conformance suite against a plugin",
		Long: `Run a conformance suite against a fresh instance of a plugin. Without
--suite the built-in scenarios are used: sum, hello, reverse, fail, an empty
buffer and a UTF-8 round trip.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := loadSuite(suitePath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, logger, err := setup(ctx, global)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.WithoutCancel(ctx))

			name, err := a.LoadFile(ctx, args[0])
			if err != nil {
				return err
			}
			inst, err := a.Instance(ctx, name)
			if err != nil {
				return err
			}
			defer inst.Close(context.WithoutCancel(ctx))

			report := conformance.NewRunner(logger).Run(ctx, inst, suite)

			out := cmd.OutOrStdout()
			for _, res := range report.Results {
				if res.Passed {
					fmt.Fprintf(out, "PASS %s (%v)\n", res.Scenario, res.Duration)
					continue
				}
				fmt.Fprintf(out, "FAIL %s", res.Scenario)
				if res.Got != "" {
					fmt.Fprintf(out, ": got %s", res.Got)
				}
				if res.Err != nil {
					fmt.Fprintf(out, ": %v", res.Err)
				}
				fmt.Fprintln(out)
			}

			if failed := len(report.Failed()); failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(report.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&suitePath, "suite", "", "Path to a scenario suite YAML file")
	return cmd
}

func loadSuite(path string) (*conformance.Suite, error) {
	if path == "" {
		return conformance.DefaultSuite()
	}
	return conformance.LoadSuite(path)
}
