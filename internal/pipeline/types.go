package pipeline

import (
	"time"
)

// Outcome is the terminal state of a single stage. Every stage that a run
// touches ends in exactly one of these; there is no "unknown".
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Verdict is the overall classification of a pipeline run.
type Verdict string

const (
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
)

// RunState tracks the scheduler's progress through a single run.
// Pending -> RunningPrefix -> (PrefixFailed | RunningParallel) -> Reporting -> Done.
type RunState string

const (
	StatePending         RunState = "pending"
	StateRunningPrefix   RunState = "running_prefix"
	StatePrefixFailed    RunState = "prefix_failed"
	StateRunningParallel RunState = "running_parallel"
	StateReporting       RunState = "reporting"
	StateDone            RunState = "done"
)

// PrefixBranch is the branch name recorded for prefix stages.
const PrefixBranch = "prefix"

// Command describes the external process a stage delegates to. The
// orchestrator never interprets tool output; exit status is the contract.
type Command struct {
	Program string
	Args    []string
	Dir     string
}

// Stage is one named unit of work. Immutable after graph construction.
type Stage struct {
	Name    string
	Command Command

	// Timeout caps wall-clock execution. Zero means no limit. Exceeding it
	// is treated the same as a nonzero exit code.
	Timeout time.Duration

	// ArtifactGlob optionally names report files the stage is expected to
	// leave behind, relative to its working directory.
	ArtifactGlob string
}

// Branch is one board-specific sequential chain of stages. It runs under a
// single resource lock held for its entire duration.
type Branch struct {
	Name     string
	Resource string
	Stages   []Stage
}

// Graph is the static per-core pipeline definition: an ordered prefix of
// stages (clone, simulate, label) followed by one group of parallel
// branches. Pure configuration; the scheduler is identical for every core.
type Graph struct {
	Core     string
	Prefix   []Stage
	Branches []Branch

	// LockWait bounds how long a branch waits for its board lock. Zero
	// means wait indefinitely.
	LockWait time.Duration
}

// StageRecord is the archived outcome of one stage attempt.
type StageRecord struct {
	Branch   string // branch name, or PrefixBranch
	Stage    string
	Outcome  Outcome
	Duration time.Duration

	// ExitCode is the process exit status, or -1 when the stage never ran
	// to completion (skipped, spawn failure, timeout, cancelled).
	ExitCode int

	// OutputPath references the captured combined output on disk.
	OutputPath string

	// Artifacts lists report files collected via the stage's artifact glob.
	Artifacts []string

	// Detail carries a short failure explanation (timeout, lock wait
	// exceeded, spawn error). Empty on success.
	Detail string
}

// BranchResult is the archived outcome of one branch.
type BranchResult struct {
	Branch  string
	Outcome Outcome
	Stages  []StageRecord

	// Detail explains a branch that failed before any stage ran (lock wait
	// exceeded, workspace clone failure). Empty otherwise.
	Detail string
}

// Result is the immutable output of a completed run.
type Result struct {
	RunID       string
	Core        string
	Verdict     Verdict
	StartedAt   time.Time
	CompletedAt time.Time

	// Records lists every stage in deterministic order: prefix first, then
	// branches in declared order, each branch's stages in executed order.
	Records []StageRecord

	Branches []BranchResult
}
