package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codexlens/codexlens/internal/buildtree"
)

func newIndexCmd() *cobra.Command {
	var force bool
	var workers int
	var languages string
	var dirOnly string

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or refresh the hierarchical directory index",
		Long: `index walks a source tree bottom-up and builds one directory
index per directory, linking children into their parents and mirroring
every file's symbols into the project's shared global symbol index.`,
		Args: cobra.MaximumNArgs(1),
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

			builder := buildtree.NewBuilder(e.registry, e.mapper, e.cfg, true)
			defer builder.Close()

			opts := buildtree.Options{
				Workers:   workers,
				ForceFull: force,
			}
			if opts.Workers <= 0 {
				opts.Workers = e.cfg.Performance.BuildWorkers
			}
			if languages != "" {
				opts.Languages = strings.Split(languages, ",")
			}

			progress := make(chan buildtree.BuildProgress, 32)
			opts.Progress = progress
			done := make(chan struct{})
			go func() {
				defer close(done)
				for evt := range progress {
					printBuildProgress(cmd, evt)
				}
			}()

			ctx := context.Background()
			var result *buildtree.Result
			if dirOnly != "" {
				dirResult, err := builder.RebuildDir(ctx, dirOnly, opts)
				close(progress)
				<-done
				if err != nil {
					return err
				}
				if dirResult.Err != nil {
					return dirResult.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s: %d files, %d symbols\n", dirResult.SourcePath, dirResult.FilesCount, dirResult.SymbolsCount)
				return nil
			}

			result, err = builder.Build(ctx, root, opts)
			close(progress)
			<-done
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d files across %d directories\n", result.SourceRoot, result.TotalFiles, result.TotalDirs)
			for _, errStr := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", errStr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "disable incremental skipping and reindex every file")
	cmd.Flags().IntVar(&workers, "workers", 0, "directory build concurrency (0 = performance.build_workers from config)")
	cmd.Flags().StringVar(&languages, "languages", "", "comma-separated language ids to restrict indexing to")
	cmd.Flags().StringVar(&dirOnly, "dir", "", "rebuild only this single directory instead of the whole tree")

	return cmd
}

func printBuildProgress(cmd *cobra.Command, evt buildtree.BuildProgress) {
	switch evt.Stage {
	case buildtree.StageBuilding:
		fmt.Fprintf(cmd.ErrOrStderr(), "building %d/%d: %s\n", evt.Current, evt.Total, evt.Detail)
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", evt.Stage, evt.Detail)
	}
}
