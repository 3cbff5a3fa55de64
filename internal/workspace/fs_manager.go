package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const checkoutDirName = "checkout"

// fsManager manages per-run workspace directories on local disk. Layout:
//
//	<base>/<runID>/checkout        prefix checkout (clone/simulate/label)
//	<base>/<runID>/<branch>        per-branch clone of the checkout
type fsManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create initializes the prefix checkout directory for runID.
func (m *fsManager) Create(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.checkoutPath(runID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create run directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create checkout for run %q: %w", runID, err)
	}

	return Workspace{RunID: runID, Dir: path}, nil
}

// CloneForBranch creates a branch workspace by hard-linking regular files
// from the run's prefix checkout.
func (m *fsManager) CloneForBranch(ctx context.Context, runID, branch string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validateName(branch); err != nil {
		return Workspace{}, fmt.Errorf("branch name: %w", err)
	}
	if branch == checkoutDirName {
		return Workspace{}, fmt.Errorf("branch name %q is reserved", branch)
	}

	src, err := m.Open(ctx, runID)
	if err != nil {
		return Workspace{}, fmt.Errorf("open prefix checkout: %w", err)
	}

	dstPath := filepath.Join(m.baseDir, runID, branch)
	if _, err := os.Stat(dstPath); err == nil {
		return Workspace{}, fmt.Errorf("workspace for branch %q of run %q already exists", branch, runID)
	} else if !os.IsNotExist(err) {
		return Workspace{}, fmt.Errorf("stat branch workspace %q: %w", branch, err)
	}

	if err := cloneTreeWithHardLinks(ctx, src.Dir, dstPath); err != nil {
		_ = os.RemoveAll(dstPath)
		return Workspace{}, fmt.Errorf("clone checkout for branch %q: %w", branch, err)
	}

	return Workspace{RunID: runID, Branch: branch, Dir: dstPath}, nil
}

// Open returns metadata for an existing prefix checkout.
func (m *fsManager) Open(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.checkoutPath(runID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open checkout for run %q: %w", runID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("checkout path for run %q is not a directory", runID)
	}

	return Workspace{RunID: runID, Dir: path}, nil
}

// Cleanup removes run directories older than olderThan based on directory
// modification time.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsManager) checkoutPath(runID string) (string, error) {
	if err := validateName(runID); err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	return filepath.Join(m.baseDir, runID, checkoutDirName), nil
}

func cloneTreeWithHardLinks(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := os.Link(path, dstPath); err != nil {
				return fmt.Errorf("hard-link %q to %q: %w", path, dstPath, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("name %q is invalid", name)
	}
	return nil
}
