package pipeline

import (
	"fmt"
)

// Validate checks the structural invariants of a graph before the scheduler
// accepts it: non-empty identifiers, unique stage names per sequence, unique
// branch names, and a resource on every branch.
func (g *Graph) Validate() error {
	if g.Core == "" {
		return fmt.Errorf("graph: core identifier is empty")
	}
	if len(g.Prefix) == 0 {
		return fmt.Errorf("graph %q: prefix has no stages", g.Core)
	}
	if err := validateStages(g.Prefix, PrefixBranch); err != nil {
		return fmt.Errorf("graph %q: %w", g.Core, err)
	}

	seen := make(map[string]bool, len(g.Branches))
	for _, b := range g.Branches {
		if b.Name == "" {
			return fmt.Errorf("graph %q: branch with empty name", g.Core)
		}
		if seen[b.Name] {
			return fmt.Errorf("graph %q: duplicate branch %q", g.Core, b.Name)
		}
		seen[b.Name] = true
		if b.Resource == "" {
			return fmt.Errorf("graph %q: branch %q has no resource", g.Core, b.Name)
		}
		if len(b.Stages) == 0 {
			return fmt.Errorf("graph %q: branch %q has no stages", g.Core, b.Name)
		}
		if err := validateStages(b.Stages, b.Name); err != nil {
			return fmt.Errorf("graph %q: %w", g.Core, err)
		}
	}
	if g.LockWait < 0 {
		return fmt.Errorf("graph %q: lock_wait must not be negative", g.Core)
	}
	return nil
}

func validateStages(stages []Stage, owner string) error {
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("branch %q: stage with empty name", owner)
		}
		if seen[s.Name] {
			return fmt.Errorf("branch %q: duplicate stage %q", owner, s.Name)
		}
		seen[s.Name] = true
		if s.Command.Program == "" {
			return fmt.Errorf("branch %q: stage %q has no program", owner, s.Name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("branch %q: stage %q has negative timeout", owner, s.Name)
		}
	}
	return nil
}

// Resources returns the distinct resource names referenced by the graph's
// branches, in declared order. Used to seed the lock registry at startup.
func (g *Graph) Resources() []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range g.Branches {
		if !seen[b.Resource] {
			seen[b.Resource] = true
			out = append(out, b.Resource)
		}
	}
	return out
}

// BranchVerdict derives a branch outcome from its stage records: Success
// only if every stage succeeded, Cancelled if any stage was cancelled,
// otherwise Failure.
func BranchVerdict(stages []StageRecord) Outcome {
	verdict := OutcomeSuccess
	for _, s := range stages {
		switch s.Outcome {
		case OutcomeCancelled:
			return OutcomeCancelled
		case OutcomeFailure:
			verdict = OutcomeFailure
		}
	}
	return verdict
}

// SkippedBranchResult archives a branch that never started, one Skipped
// record per declared stage.
func SkippedBranchResult(b Branch) BranchResult {
	res := BranchResult{Branch: b.Name, Outcome: OutcomeSkipped}
	for _, s := range b.Stages {
		res.Stages = append(res.Stages, StageRecord{
			Branch:   b.Name,
			Stage:    s.Name,
			Outcome:  OutcomeSkipped,
			ExitCode: -1,
		})
	}
	return res
}
