package workspace

import (
	"context"
	"time"
)

// Workspace is a run-scoped working directory. The prefix stages check the
// core's source out into it; each parallel branch gets an isolated clone so
// concurrent synthesis runs never trample each other's build products.
//
// Absolute paths stay in the manager so the data directory can move without
// rewriting run history.
type Workspace struct {
	RunID  string
	Branch string // empty for the shared prefix checkout
	Dir    string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs checkout-directory lifecycle for pipeline runs.
type Manager interface {
	// Create initializes the prefix checkout directory for runID.
	Create(ctx context.Context, runID string) (Workspace, error)

	// CloneForBranch creates an isolated copy of the prefix checkout for
	// one branch (hard-link strategy).
	CloneForBranch(ctx context.Context, runID, branch string) (Workspace, error)

	// Open resolves the existing prefix checkout for runID.
	Open(ctx context.Context, runID string) (Workspace, error)

	// Cleanup removes run directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
