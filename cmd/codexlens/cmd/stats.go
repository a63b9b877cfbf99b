package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexlens/codexlens/internal/dirindex"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [path]",
		Short: "Show aggregated index statistics for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pathArg string
			if len(args) == 1 {
				pathArg = args[0]
			}
			root, err := projectRoot(pathArg)
			if err != nil {
				return err
			}

			e, err := openEnv(root)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			project, found, err := e.registry.GetProject(ctx, root)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not indexed\n", root)
				return nil
			}

			dirs, err := e.registry.GetProjectDirs(ctx, project.ID)
			if err != nil {
				return err
			}

			var files, symbols, subdirs int
			languages := make(map[string]int)
			for _, d := range dirs {
				dir, err := dirindex.Open(d.IndexPath)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", d.SourcePath, err)
					continue
				}
				s, err := dir.Stats(ctx)
				dir.Close()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", d.SourcePath, err)
					continue
				}
				files += s.Files
				symbols += s.Symbols
				subdirs += s.Subdirs
				for lang, count := range s.Languages {
					languages[lang] += count
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", root)
			fmt.Fprintf(cmd.OutOrStdout(), "  directories: %d\n  files: %d\n  symbols: %d\n  subdirectory links: %d\n", len(dirs), files, symbols, subdirs)
			for lang, count := range languages {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d files\n", lang, count)
			}
			return nil
		},
	}

	return cmd
}
