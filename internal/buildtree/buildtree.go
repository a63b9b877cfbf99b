// Package buildtree constructs a project's hierarchical directory index
// bottom-up: every directory gets its own DirIndex built in parallel with
// its siblings, deepest level first, so that by the time a parent is built
// every child already has rows to link against.
package buildtree

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codexlens/codexlens/internal/config"
	"github.com/codexlens/codexlens/internal/dirindex"
	"github.com/codexlens/codexlens/internal/globalindex"
	"github.com/codexlens/codexlens/internal/parse"
	"github.com/codexlens/codexlens/internal/pathmap"
	"github.com/codexlens/codexlens/internal/registry"
	"github.com/codexlens/codexlens/internal/scanner"
)

// hardIgnoreDirs is never walked into, regardless of configuration.
var hardIgnoreDirs = map[string]struct{}{
	".git":        {},
	".venv":       {},
	"venv":        {},
	"node_modules": {},
	"__pycache__": {},
	".codexlens":  {},
	".idea":       {},
	".vscode":     {},
}

// Stage identifies a phase of a build for progress reporting.
type Stage string

const (
	StageDiscovering Stage = "discovering"
	StageBuilding    Stage = "building"
	StageLinking     Stage = "linking"
	StageCleaningUp  Stage = "cleaning_up"
	StageFinalizing  Stage = "finalizing"
	StageDone        Stage = "done"
)

// BuildProgress is one progress event. Current/Total are 0 outside the
// StageBuilding stage, where they count directories processed so far.
type BuildProgress struct {
	Stage   Stage
	Current int
	Total   int
	Detail  string
}

// Result is a completed build's statistics.
type Result struct {
	ProjectID  int64
	SourceRoot string
	IndexRoot  string
	TotalFiles int
	TotalDirs  int
	Errors     []string
}

// DirResult is one directory's build outcome.
type DirResult struct {
	SourcePath   string
	IndexPath    string
	FilesCount   int
	SymbolsCount int
	Subdirs      []string
	Err          error
}

// Options controls one build call.
type Options struct {
	// Languages restricts indexing to these language ids; empty means all
	// languages the scanner/parser recognize.
	Languages []string
	// Workers bounds per-level directory build concurrency. 0 auto-detects
	// via min(NumCPU, 16).
	Workers int
	// ForceFull disables incremental skipping for this call even if the
	// Builder was constructed with incremental enabled.
	ForceFull bool
	// Progress, if non-nil, receives build events. The Builder sends on it
	// from the calling goroutine between build levels, so a slow or absent
	// reader stalls the build; callers that want events should drain it on
	// a separate goroutine.
	Progress chan<- BuildProgress
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	n := runtime.NumCPU()
	if n > 16 {
		return 16
	}
	if n < 1 {
		return 1
	}
	return n
}

// Builder builds and maintains a project's directory index tree.
type Builder struct {
	Registry    *registry.Store
	Mapper      *pathmap.Mapper
	Config      *config.Config
	Incremental bool

	parser *parse.Parser
}

// NewBuilder builds a Builder over reg/mapper, using cfg for language
// filtering defaults (nil uses config.NewConfig()'s defaults). incremental
// enables needs-reindex skipping and deleted-file cleanup by default; a
// per-call Options.ForceFull still overrides it for a single Build call.
func NewBuilder(reg *registry.Store, mapper *pathmap.Mapper, cfg *config.Config, incremental bool) *Builder {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Builder{
		Registry:    reg,
		Mapper:      mapper,
		Config:      cfg,
		Incremental: incremental,
		parser:      parse.NewParser(),
	}
}

// Close releases the builder's parser resources.
func (b *Builder) Close() {
	b.parser.Close()
}

// Build constructs the full index tree for sourceRoot: discovery, bottom-up
// per-level parallel directory builds, parent-child linking, incremental
// cleanup, and project statistics update, in that order.
func (b *Builder) Build(ctx context.Context, sourceRoot string, opts Options) (*Result, error) {
	sourceRoot, err := filepath.Abs(sourceRoot)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(sourceRoot); statErr != nil || !info.IsDir() {
		return nil, &os.PathError{Op: "build", Path: sourceRoot, Err: os.ErrNotExist}
	}

	indexRoot, err := b.Mapper.SourceToIndexDir(sourceRoot)
	if err != nil {
		return nil, err
	}
	project, err := b.Registry.RegisterProject(ctx, sourceRoot, indexRoot)
	if err != nil {
		return nil, err
	}
	globalDBPath := filepath.Join(indexRoot, globalindex.DefaultDBName)

	b.emit(ctx, opts, BuildProgress{Stage: StageDiscovering, Detail: "discovering files"})
	dirsByDepth := b.collectDirsByDepth(sourceRoot, opts.Languages)

	if len(dirsByDepth) == 0 {
		return &Result{
			ProjectID:  project.ID,
			SourceRoot: sourceRoot,
			IndexRoot:  indexRoot,
			Errors:     []string{"no indexable directories found"},
		}, nil
	}

	totalDirsToProcess := 0
	for _, dirs := range dirsByDepth {
		totalDirsToProcess += len(dirs)
	}
	processedDirs := 0

	useIncremental := b.Incremental && !opts.ForceFull

	b.emit(ctx, opts, BuildProgress{Stage: StageBuilding, Total: totalDirsToProcess, Detail: "building index"})

	maxDepth := 0
	for d := range dirsByDepth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	var (
		totalFiles int
		totalDirs  int
		allErrors  []string
		allResults []DirResult
	)

	for depth := maxDepth; depth >= 0; depth-- {
		dirs, ok := dirsByDepth[depth]
		if !ok {
			continue
		}

		results := b.buildLevelParallel(ctx, dirs, opts.Languages, opts.workers(), useIncremental, project.ID, globalDBPath)
		allResults = append(allResults, results...)

		for _, result := range results {
			processedDirs++
			if result.Err != nil {
				allErrors = append(allErrors, result.SourcePath+": "+result.Err.Error())
				continue
			}

			totalFiles += result.FilesCount
			totalDirs++

			b.emit(ctx, opts, BuildProgress{
				Stage:   StageBuilding,
				Current: processedDirs,
				Total:   totalDirsToProcess,
				Detail:  filepath.Base(result.SourcePath),
			})

			depthFromRoot, err := b.Mapper.RelativeDepth(result.SourcePath, sourceRoot)
			if err != nil {
				depthFromRoot = depth
			}
			if _, err := b.Registry.RegisterDir(ctx, project.ID, result.SourcePath, result.IndexPath, depthFromRoot, result.FilesCount); err != nil {
				allErrors = append(allErrors, result.SourcePath+": register dir: "+err.Error())
			}
		}
	}

	b.emit(ctx, opts, BuildProgress{Stage: StageLinking, Detail: "linking subdirectories"})
	for _, result := range allResults {
		if result.Err != nil {
			continue
		}
		b.linkChildrenToParent(result.SourcePath, allResults)
	}

	if useIncremental {
		b.emit(ctx, opts, BuildProgress{Stage: StageCleaningUp, Detail: "cleaning up deleted files"})
		for _, result := range allResults {
			if result.Err != nil {
				continue
			}
			dir, err := dirindex.Open(result.IndexPath)
			if err != nil {
				continue
			}
			_, _ = dir.CleanupDeletedFiles(ctx)
			dir.Close()
		}
	}

	b.emit(ctx, opts, BuildProgress{Stage: StageFinalizing, Detail: "finalizing"})
	if err := b.Registry.UpdateProjectStats(ctx, sourceRoot, totalFiles, totalDirs); err != nil {
		allErrors = append(allErrors, "update project stats: "+err.Error())
	}

	b.emit(ctx, opts, BuildProgress{Stage: StageDone, Detail: "indexed"})

	return &Result{
		ProjectID:  project.ID,
		SourceRoot: sourceRoot,
		IndexRoot:  indexRoot,
		TotalFiles: totalFiles,
		TotalDirs:  totalDirs,
		Errors:     allErrors,
	}, nil
}

// UpdateSubtree rebuilds sourcePath and everything beneath it, reusing
// Build's bottom-up logic scoped to the subtree. sourcePath must already be
// registered under some project.
func (b *Builder) UpdateSubtree(ctx context.Context, sourcePath string, opts Options) (*Result, error) {
	sourcePath, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, err
	}
	projectRoot, err := b.Mapper.ProjectRoot(sourcePath)
	if err != nil {
		return nil, err
	}
	if _, found, err := b.Registry.GetProject(ctx, projectRoot); err != nil {
		return nil, err
	} else if !found {
		return nil, &os.PathError{Op: "update_subtree", Path: sourcePath, Err: os.ErrNotExist}
	}
	return b.Build(ctx, sourcePath, opts)
}

// RebuildDir rebuilds a single directory's index without touching its
// subdirectories' indexes or relinking.
func (b *Builder) RebuildDir(ctx context.Context, sourcePath string, opts Options) (*DirResult, error) {
	sourcePath, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, err
	}
	var (
		projectID    int64
		globalDBPath string
	)
	if projectRoot, err := b.Mapper.ProjectRoot(sourcePath); err == nil {
		if project, found, err := b.Registry.GetProject(ctx, projectRoot); err == nil && found {
			projectID = project.ID
			if indexRoot, err := b.Mapper.SourceToIndexDir(projectRoot); err == nil {
				globalDBPath = filepath.Join(indexRoot, globalindex.DefaultDBName)
			}
		}
	}

	result := b.buildSingleDir(ctx, sourcePath, opts.Languages, b.Incremental && !opts.ForceFull, projectID, globalDBPath)
	return &result, result.Err
}

// emit sends a progress event if Progress is wired, dropping the event
// instead of blocking forever if the context is cancelled first.
func (b *Builder) emit(ctx context.Context, opts Options, evt BuildProgress) {
	if opts.Progress == nil {
		return
	}
	select {
	case opts.Progress <- evt:
	case <-ctx.Done():
	}
}

// collectDirsByDepth walks sourceRoot and groups every indexable directory
// by its depth relative to sourceRoot. The root is always included at depth
// 0, even if it has no indexable files of its own, since it is the chain
// search entry point.
func (b *Builder) collectDirsByDepth(sourceRoot string, languages []string) map[int][]string {
	dirsByDepth := map[int][]string{0: {sourceRoot}}

	_ = filepath.WalkDir(sourceRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path == sourceRoot {
			return nil
		}

		name := d.Name()
		if _, ignored := hardIgnoreDirs[name]; ignored || strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}

		if !b.shouldIndexDir(path, languages) {
			return nil
		}

		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return nil
		}
		depth := len(strings.Split(filepath.ToSlash(rel), "/"))
		dirsByDepth[depth] = append(dirsByDepth[depth], path)
		return nil
	})

	return dirsByDepth
}

// shouldIndexDir reports whether dirPath contains at least one source file
// of a supported, requested language.
func (b *Builder) shouldIndexDir(dirPath string, languages []string) bool {
	name := filepath.Base(dirPath)
	if _, ignored := hardIgnoreDirs[name]; ignored || strings.HasPrefix(name, ".") {
		return false
	}
	return len(b.iterSourceFiles(dirPath, languages)) > 0
}

// iterSourceFiles lists the (non-recursive) source files directly in
// dirPath matching the language filter.
func (b *Builder) iterSourceFiles(dirPath string, languages []string) []string {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil
	}

	langSet := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		langSet[l] = struct{}{}
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		lang := scanner.DetectLanguage(entry.Name())
		if lang == "" {
			continue
		}
		if len(langSet) > 0 {
			if _, ok := langSet[lang]; !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dirPath, entry.Name()))
	}
	return files
}

// buildLevelParallel builds every directory in dirs concurrently, bounded
// by workers.
func (b *Builder) buildLevelParallel(ctx context.Context, dirs []string, languages []string, workers int, incremental bool, projectID int64, globalDBPath string) []DirResult {
	if len(dirs) == 0 {
		return nil
	}
	if len(dirs) == 1 {
		return []DirResult{b.buildSingleDir(ctx, dirs[0], languages, incremental, projectID, globalDBPath)}
	}

	results := make([]DirResult, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, dirPath := range dirs {
		i, dirPath := i, dirPath
		g.Go(func() error {
			results[i] = b.buildSingleDir(gctx, dirPath, languages, incremental, projectID, globalDBPath)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// buildSingleDir indexes every source file directly in dirPath (not its
// subdirectories), upserting file content and symbols, and optionally
// mirroring the symbols into the project's global symbol index at
// globalDBPath (shared by every directory in the project, so every build
// writes into the same file regardless of which directory is being built).
func (b *Builder) buildSingleDir(ctx context.Context, dirPath string, languages []string, incremental bool, projectID int64, globalDBPath string) DirResult {
	indexDBPath, err := b.Mapper.SourceToIndexDB(dirPath)
	if err != nil {
		return DirResult{SourcePath: dirPath, Err: err}
	}

	store, err := dirindex.Open(indexDBPath)
	if err != nil {
		return DirResult{SourcePath: dirPath, IndexPath: indexDBPath, Err: err}
	}
	defer store.Close()

	var globalIdx *globalindex.Store
	if projectID != 0 && globalDBPath != "" {
		if gi, err := globalindex.Open(globalDBPath, projectID); err == nil {
			globalIdx = gi
			defer gi.Close()
		}
	}

	sourceFiles := b.iterSourceFiles(dirPath, languages)

	var (
		filesCount, symbolsCount int
		fileErr                  error
	)
	for _, filePath := range sourceFiles {
		if incremental {
			needs, err := store.NeedsReindex(ctx, filePath)
			if err == nil && !needs {
				// Unchanged files stay indexed and still count toward the
				// directory's file total.
				filesCount++
				continue
			}
		}

		raw, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		text := decodeText(raw)

		parsed, err := b.parser.Parse(ctx, []byte(text), filePath)
		if err != nil {
			fileErr = err
			continue
		}
		if parsed.Language == "" {
			continue
		}

		info, statErr := os.Stat(filePath)
		mtime := time.Now()
		if statErr == nil {
			mtime = info.ModTime()
		}

		if _, err := store.AddFile(ctx, filepath.Base(filePath), filePath, text, parsed.Language, mtime, parsed.Symbols); err != nil {
			fileErr = err
			continue
		}

		if globalIdx != nil && len(parsed.Symbols) > 0 {
			_ = globalIdx.UpdateFileSymbols(ctx, filePath, parsed.Symbols, indexDBPath)
		}

		filesCount++
		symbolsCount += len(parsed.Symbols)
	}

	subdirs := b.immediateSubdirNames(dirPath)

	return DirResult{
		SourcePath:   dirPath,
		IndexPath:    indexDBPath,
		FilesCount:   filesCount,
		SymbolsCount: symbolsCount,
		Subdirs:      subdirs,
		Err:          fileErr,
	}
}

// immediateSubdirNames lists the non-ignored direct subdirectory names of
// dirPath, for the later linking pass.
func (b *Builder) immediateSubdirNames(dirPath string) []string {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ignored := hardIgnoreDirs[name]; ignored || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// linkChildrenToParent registers every direct child of parentPath found in
// allResults as a SubdirLink in the parent's own DirIndex.
func (b *Builder) linkChildrenToParent(parentPath string, allResults []DirResult) {
	parentIndexDB, err := b.Mapper.SourceToIndexDB(parentPath)
	if err != nil {
		return
	}

	store, err := dirindex.Open(parentIndexDB)
	if err != nil {
		return
	}
	defer store.Close()

	for _, result := range allResults {
		if result.Err != nil {
			continue
		}
		if filepath.Dir(result.SourcePath) != parentPath {
			continue
		}
		_ = store.RegisterSubdir(context.Background(), filepath.Base(result.SourcePath), result.IndexPath, result.FilesCount, result.FilesCount)
	}
}

// decodeText converts raw bytes to a valid UTF-8 string, substituting the
// replacement character for invalid sequences rather than failing, matching
// a permissive "errors=replace" style text decode.
func decodeText(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}
