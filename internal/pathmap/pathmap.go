// Package pathmap provides the bijective mapping between a source
// directory on disk and the location under the index root where that
// directory's DirIndex lives, plus the project-root and depth arithmetic
// the rest of the engine needs to navigate between the two spaces.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	codexerrors "github.com/codexlens/codexlens/internal/errors"
)

// IndexDBName is the standard filename for a directory's index database.
const IndexDBName = "_index.db"

// indexRootEnvVar overrides the default index root.
const indexRootEnvVar = "CODEXLENS_INDEX_DIR"

// Mapper converts between source paths and their index storage locations.
type Mapper struct {
	indexRoot string
}

// New builds a Mapper rooted at indexRoot. A blank indexRoot resolves via
// DefaultIndexRoot.
func New(indexRoot string) (*Mapper, error) {
	if indexRoot == "" {
		root, err := DefaultIndexRoot()
		if err != nil {
			return nil, err
		}
		indexRoot = root
	}

	abs, err := filepath.Abs(indexRoot)
	if err != nil {
		return nil, codexerrors.New(codexerrors.ErrCodeConfig, "resolve index root", err)
	}
	return &Mapper{indexRoot: abs}, nil
}

// DefaultIndexRoot resolves the index root from CODEXLENS_INDEX_DIR, falling
// back to ~/.codexlens/indexes.
func DefaultIndexRoot() (string, error) {
	if env := os.Getenv(indexRootEnvVar); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", codexerrors.New(codexerrors.ErrCodeConfig, "resolve "+indexRootEnvVar, err)
		}
		return abs, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", codexerrors.New(codexerrors.ErrCodeConfig, "resolve home directory", err)
	}
	return filepath.Join(home, ".codexlens", "indexes"), nil
}

// IndexRoot returns the configured index root directory.
func (m *Mapper) IndexRoot() string {
	return m.indexRoot
}

// SourceToIndexDir maps a source directory to where its DirIndex is stored.
func (m *Mapper) SourceToIndexDir(sourcePath string) (string, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", invalidPath(sourcePath, err)
	}
	return filepath.Join(m.indexRoot, normalizePath(abs)), nil
}

// SourceToIndexDB maps a source directory to its index database file path.
func (m *Mapper) SourceToIndexDB(sourcePath string) (string, error) {
	dir, err := m.SourceToIndexDir(sourcePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, IndexDBName), nil
}

// IndexToSource reverses SourceToIndexDir/SourceToIndexDB, recovering the
// original source directory from a location under the index root.
func (m *Mapper) IndexToSource(indexPath string) (string, error) {
	abs, err := filepath.Abs(indexPath)
	if err != nil {
		return "", invalidPath(indexPath, err)
	}

	if filepath.Base(abs) == IndexDBName {
		abs = filepath.Dir(abs)
	}

	rel, err := filepath.Rel(m.indexRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", codexerrors.New(codexerrors.ErrCodeNotUnderRoot,
			fmt.Sprintf("index path %s is not under index root %s", abs, m.indexRoot), nil).
			WithDetail("index_path", abs).
			WithDetail("index_root", m.indexRoot)
	}

	return denormalizePath(filepath.ToSlash(rel)), nil
}

// ProjectRoot walks up from sourcePath while a parent directory has its own
// DirIndex, returning the topmost indexed ancestor. It returns sourcePath
// itself if no indexed parent is found.
func (m *Mapper) ProjectRoot(sourcePath string) (string, error) {
	current, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", invalidPath(sourcePath, err)
	}
	root := current

	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}

		parentDB, err := m.SourceToIndexDB(parent)
		if err != nil {
			return "", err
		}
		if _, statErr := os.Stat(parentDB); statErr != nil {
			break
		}

		root = parent
		current = parent
	}

	return root, nil
}

// RelativeDepth counts the path components from projectRoot down to
// sourcePath.
func (m *Mapper) RelativeDepth(sourcePath, projectRoot string) (int, error) {
	src, err := filepath.Abs(sourcePath)
	if err != nil {
		return 0, invalidPath(sourcePath, err)
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return 0, invalidPath(projectRoot, err)
	}

	rel, err := filepath.Rel(root, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, codexerrors.New(codexerrors.ErrCodeNotUnderRoot,
			fmt.Sprintf("source path %s is not under project root %s", src, root), nil).
			WithDetail("source_path", src).
			WithDetail("project_root", root)
	}
	if rel == "." {
		return 0, nil
	}
	return len(strings.Split(filepath.ToSlash(rel), "/")), nil
}

func invalidPath(path string, cause error) *codexerrors.CodexError {
	return codexerrors.New(codexerrors.ErrCodeInvalidPath, "invalid path", cause).
		WithDetail("path", path)
}

// normalizePath converts an absolute, OS-native path to the forward-slash,
// drive-colon-free form used under the index root: "C:\foo\bar" -> "C/foo/bar",
// "/home/user/proj" -> "home/user/proj".
func normalizePath(path string) string {
	if runtime.GOOS == "windows" {
		vol := filepath.VolumeName(path)
		drive := strings.TrimSuffix(vol, ":")
		rest := strings.TrimPrefix(filepath.ToSlash(strings.TrimPrefix(path, vol)), "/")
		if rest == "" {
			return drive
		}
		return drive + "/" + rest
	}
	return strings.TrimPrefix(filepath.ToSlash(path), "/")
}

// denormalizePath reverses normalizePath: "C/foo/bar" -> "C:\foo\bar" on
// Windows, "home/user/proj" -> "/home/user/proj" elsewhere.
func denormalizePath(normalized string) string {
	parts := strings.Split(normalized, "/")

	if runtime.GOOS == "windows" && len(parts) > 0 && len(parts[0]) == 1 && isASCIILetter(parts[0][0]) {
		drive := parts[0] + ":" + string(filepath.Separator)
		if len(parts) > 1 {
			return filepath.Join(append([]string{drive}, parts[1:]...)...)
		}
		return drive
	}

	return string(filepath.Separator) + filepath.Join(parts...)
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
