package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexlens/codexlens/internal/registry"
)

func newStatusCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List registered projects and their index state",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot("")
			if err != nil {
				return err
			}

			e, err := openEnv(root)
			if err != nil {
				return err
			}
			defer e.Close()

			statusFilter := registry.StatusActive
			if all {
				statusFilter = ""
			}

			projects, err := e.registry.ListProjects(context.Background(), statusFilter)
			if err != nil {
				return err
			}

			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no indexed projects")
				return nil
			}

			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n  status: %s  files: %d  dirs: %d  last indexed: %s\n",
					p.SourceRoot, p.Status, p.TotalFiles, p.TotalDirs, p.LastIndexed.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include stale and removed projects")

	return cmd
}
