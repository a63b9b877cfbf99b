package cmd

import (
	"path/filepath"

	"github.com/codexlens/codexlens/internal/config"
	"github.com/codexlens/codexlens/internal/embedcontract"
	"github.com/codexlens/codexlens/internal/pathmap"
	"github.com/codexlens/codexlens/internal/registry"
)

// env bundles the pieces every subcommand needs to reach a project's index:
// the resolved configuration, the source/index path mapper, and the shared
// registry of known projects and directories.
type env struct {
	cfg      *config.Config
	mapper   *pathmap.Mapper
	registry *registry.Store
}

// openEnv loads configuration rooted at dir and opens the registry that
// tracks indexed projects. Callers must call Close when done.
func openEnv(dir string) (*env, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	mapper, err := pathmap.New(cfg.Paths.IndexRoot)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(filepath.Join(mapper.IndexRoot(), registry.DefaultDBName))
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, mapper: mapper, registry: reg}, nil
}

func (e *env) Close() error {
	return e.registry.Close()
}

// embedder returns the collaborator set used for vector signals. codexlens
// ships with no bundled embedding backend, so the static, dependency-free
// implementation is the default; it still exercises every cascade and hybrid
// search code path without requiring a GPU or network access.
func (e *env) embedder() embedcontract.Collaborators {
	dims := e.cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = embedcontract.DefaultDimensions
	}
	return embedcontract.NewCachedCollaborators(embedcontract.NewStaticCollaborators(dims), embedcontract.DefaultEmbeddingCacheSize)
}

// projectRoot resolves the project root to operate on: an explicit arg, or
// the nearest ancestor carrying a .codexlens.yaml/.git, falling back to cwd.
func projectRoot(arg string) (string, error) {
	if arg != "" {
		return filepath.Abs(arg)
	}
	root, err := config.FindProjectRoot(".")
	if err != nil {
		return filepath.Abs(".")
	}
	return root, nil
}
