package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hdlci/coreci/internal/pipeline"
)

// BuildSummary renders a terminal-friendly report for a finished run.
func BuildSummary(res pipeline.Result) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Pipeline Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", res.RunID)
	fmt.Fprintf(&out, "Core        : %s\n", res.Core)
	fmt.Fprintf(&out, "Verdict     : %s\n", strings.ToUpper(string(res.Verdict)))
	fmt.Fprintf(&out, "Duration    : %s\n", res.CompletedAt.Sub(res.StartedAt).Round(1e6))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "[prefix]\n")
	for _, rec := range res.Records {
		if rec.Branch != pipeline.PrefixBranch {
			continue
		}
		writeStageLine(&out, rec)
	}

	for _, br := range res.Branches {
		fmt.Fprintf(&out, "\n[%s] %s\n", br.Branch, br.Outcome)
		if br.Detail != "" {
			fmt.Fprintf(&out, "    note       : %s\n", br.Detail)
		}
		for _, rec := range br.Stages {
			writeStageLine(&out, rec)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

func writeStageLine(out *strings.Builder, rec pipeline.StageRecord) {
	fmt.Fprintf(out, "    %-10s : %-9s", rec.Stage, rec.Outcome)
	if rec.Outcome != pipeline.OutcomeSkipped {
		fmt.Fprintf(out, " (%s)", rec.Duration.Round(1e6))
	}
	if rec.Detail != "" {
		fmt.Fprintf(out, " - %s", rec.Detail)
	}
	fmt.Fprintf(out, "\n")
	if rec.OutputPath != "" && rec.Outcome == pipeline.OutcomeFailure {
		fmt.Fprintf(out, "      output   : %s\n", rec.OutputPath)
	}
	for _, a := range rec.Artifacts {
		fmt.Fprintf(out, "      artifact : %s\n", a)
	}
}

// BuildJSON returns the machine-readable form of the result.
func BuildJSON(res pipeline.Result) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}
