package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPluginsCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins registered by the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, logger, err := setup(ctx, global)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.WithoutCancel(ctx))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSOURCE\tEXPORTS")
			for _, p := range a.Engine().Registry().List() {
				exports := make([]string, 0)
				for name := range p.Compiled.Module.ExportedFunctions() {
					exports = append(exports, name)
				}
				sort.Strings(exports)
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Source, strings.Join(exports, ","))
			}
			return w.Flush()
		},
	}
}
