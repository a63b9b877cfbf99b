package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexlens/codexlens/internal/cascade"
	"github.com/codexlens/codexlens/internal/chain"
	"github.com/codexlens/codexlens/internal/config"
	"github.com/codexlens/codexlens/internal/search"
)

func newSearchCmd() *cobra.Command {
	var path string
	var mode string
	var depth int
	var limit int
	var cascadeStrategy string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an indexed codebase",
		Long: `search resolves the given path (default: the nearest ancestor of the
current directory holding a .codexlens.yaml or .git, else the current
directory) to its directory index chain and fans a
hybrid search out across it. Pass --cascade to run the cheaper two-stage
cascade retrieval instead of an exhaustive chain search.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			root, err := projectRoot(path)
			if err != nil {
				return err
			}

			e, err := openEnv(root)
			if err != nil {
				return err
			}
			defer e.Close()

			embedder := e.embedder()
			denseDim := e.cfg.Embeddings.Dimensions
			if denseDim <= 0 {
				denseDim = 768
			}
			chainEngine := chain.NewEngine(e.registry, e.mapper, embedder, toSearchConfig(e.cfg.Search), denseDim)

			ctx := context.Background()

			if cascadeStrategy != "" {
				cascadeEngine := cascade.NewEngine(chainEngine, embedder)
				result, err := cascadeEngine.CascadeSearch(ctx, root, query, cascade.Strategy(cascadeStrategy), cascade.Options{
					K:       limit,
					CoarseK: e.cfg.Cascade.CoarseK,
					Chain:   chainOptions(mode, depth, limit),
				})
				if err != nil {
					return err
				}
				return printCascadeResults(cmd, result)
			}

			opts := chainOptions(mode, depth, limit)
			opts.MaxWorkers = e.cfg.Performance.SearchWorkers
			result, err := chainEngine.Search(ctx, root, query, opts)
			if err != nil {
				return err
			}
			return printChainResults(cmd, result)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "source path to search from (default: project root found from cwd)")
	cmd.Flags().StringVar(&mode, "mode", "auto", "search mode: auto, hybrid, or exact")
	cmd.Flags().IntVar(&depth, "depth", -1, "directory levels to descend below the start index (-1 = unlimited)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results to return")
	cmd.Flags().StringVar(&cascadeStrategy, "cascade", "", "run two-stage cascade retrieval instead: binary or hybrid")

	return cmd
}

func chainOptions(mode string, depth, limit int) chain.Options {
	opts := chain.DefaultOptions()
	opts.Depth = depth
	opts.TotalLimit = limit
	opts.LimitPerDir = limit
	switch mode {
	case "hybrid":
		opts.Mode = search.ModeHybrid
	case "exact":
		opts.Mode = search.ModeExact
	default:
		opts.Mode = search.ModeAuto
	}
	return opts
}

func toSearchConfig(cfg config.SearchConfig) search.Config {
	return search.Config{
		ExactWeight:  cfg.ExactWeight,
		FuzzyWeight:  cfg.FuzzyWeight,
		VectorWeight: cfg.VectorWeight,
		SparseWeight: cfg.SparseWeight,
		RRFConstant:  cfg.RRFConstant,
	}
}

func printChainResults(cmd *cobra.Command, result *chain.Result) error {
	for _, hit := range result.Results {
		fmt.Fprintf(cmd.OutOrStdout(), "%.4f  %s  [%s]\n", hit.Score, hit.Path, hit.Source)
	}
	for _, errStr := range result.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", errStr)
	}
	return nil
}

func printCascadeResults(cmd *cobra.Command, result *cascade.CascadeResult) error {
	for _, hit := range result.Results {
		fmt.Fprintf(cmd.OutOrStdout(), "%.4f  %s\n", hit.Score, hit.Path)
	}
	for _, errStr := range result.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", errStr)
	}
	return nil
}
