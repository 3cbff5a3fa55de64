package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hdlci/coreci/internal/log"
	"github.com/hdlci/coreci/internal/pipeline"
)

// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
const terminationGracePeriod = 5 * time.Second

// Executor launches a stage's external command, waits for termination, and
// classifies the result. Exit 0 maps to Success, anything else (including a
// timeout) to Failure, and context cancellation to Cancelled. Combined
// stdout/stderr is captured to a file addressable by (run, branch, stage) so
// the report can reference it without re-running anything. No retries here;
// retry policy belongs to the caller.
type Executor struct {
	artifactsDir string
	logger       *slog.Logger
}

// New creates an Executor writing captured output under artifactsDir.
func New(artifactsDir string) (*Executor, error) {
	if artifactsDir == "" {
		return nil, fmt.Errorf("artifacts directory is empty")
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts directory: %w", err)
	}
	return &Executor{
		artifactsDir: artifactsDir,
		logger:       log.WithComponent("executor"),
	}, nil
}

// OutputPath returns where a stage's captured output lives.
func (e *Executor) OutputPath(runID, branch, stage string) string {
	return filepath.Join(e.artifactsDir, runID, branch, stage+".log")
}

// Run executes one stage to a terminal outcome. branch is
// pipeline.PrefixBranch for prefix stages.
func (e *Executor) Run(ctx context.Context, runID, branch string, stage pipeline.Stage) pipeline.StageRecord {
	logger := e.logger.With("run_id", runID, "branch", branch, "stage", stage.Name)

	rec := pipeline.StageRecord{
		Branch:   branch,
		Stage:    stage.Name,
		ExitCode: -1,
	}

	outPath := e.OutputPath(runID, branch, stage.Name)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		rec.Outcome = pipeline.OutcomeFailure
		rec.Detail = fmt.Sprintf("create output directory: %v", err)
		return rec
	}
	outFile, err := os.Create(outPath)
	if err != nil {
		rec.Outcome = pipeline.OutcomeFailure
		rec.Detail = fmt.Sprintf("create output file: %v", err)
		return rec
	}
	defer outFile.Close()
	rec.OutputPath = outPath

	// Don't use CommandContext - termination is managed below so the lock
	// holder can always record a definite outcome.
	cmd := exec.Command(stage.Command.Program, stage.Command.Args...)
	cmd.Dir = stage.Command.Dir
	cmd.Stdout = outFile
	cmd.Stderr = outFile

	logger.Debug("spawning stage command",
		"program", stage.Command.Program, "dir", stage.Command.Dir, "timeout", stage.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		rec.Outcome = pipeline.OutcomeFailure
		rec.Detail = fmt.Sprintf("start process: %v", err)
		rec.Duration = time.Since(start)
		logger.Error("stage spawn failed", "error", err)
		return rec
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if stage.Timeout > 0 {
		timer := time.NewTimer(stage.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		logger.Warn("stage cancelled, terminating command")
		e.terminate(cmd, waitErr, logger)
		rec.Outcome = pipeline.OutcomeCancelled
		rec.Detail = "cancelled"
		rec.Duration = time.Since(start)
		return rec

	case <-timeoutCh:
		logger.Warn("stage timed out, terminating command", "timeout", stage.Timeout)
		e.terminate(cmd, waitErr, logger)
		rec.Outcome = pipeline.OutcomeFailure
		rec.Detail = fmt.Sprintf("timed out after %v", stage.Timeout)
		rec.Duration = time.Since(start)
		return rec

	case err := <-waitErr:
		rec.Duration = time.Since(start)
		if err == nil {
			rec.ExitCode = 0
			rec.Outcome = pipeline.OutcomeSuccess
			rec.Artifacts = e.collectArtifacts(runID, branch, stage, logger)
			logger.Debug("stage succeeded", "duration", rec.Duration)
			return rec
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			rec.ExitCode = exitErr.ExitCode()
			rec.Outcome = pipeline.OutcomeFailure
			rec.Detail = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			// Report files are still worth keeping on failure.
			rec.Artifacts = e.collectArtifacts(runID, branch, stage, logger)
			logger.Warn("stage exited non-zero", "exit_code", exitErr.ExitCode())
			return rec
		}
		rec.Outcome = pipeline.OutcomeFailure
		rec.Detail = fmt.Sprintf("wait for process: %v", err)
		logger.Error("stage wait failed", "error", err)
		return rec
	}
}

// terminate enforces SIGTERM, a grace period, then SIGKILL.
func (e *Executor) terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// collectArtifacts copies files matching the stage's artifact glob from the
// working directory into the stage's artifact directory.
func (e *Executor) collectArtifacts(runID, branch string, stage pipeline.Stage, logger *slog.Logger) []string {
	if stage.ArtifactGlob == "" {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(stage.Command.Dir, stage.ArtifactGlob))
	if err != nil {
		logger.Warn("invalid artifact glob", "glob", stage.ArtifactGlob, "error", err)
		return nil
	}

	destDir := filepath.Join(e.artifactsDir, runID, branch)
	var collected []string
	for _, src := range matches {
		dst := filepath.Join(destDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			logger.Warn("failed to collect artifact", "path", src, "error", err)
			continue
		}
		collected = append(collected, dst)
	}
	return collected
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
