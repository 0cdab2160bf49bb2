package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/payload"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
)

// ValidateCommand returns the CLI command definition for the 'validate' subcommand.
// It reconstructs every request of every trace in the given files and
// reports what would break or degrade on a span detail page.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check trace files for structural problems",
		ArgsUsage: "<file>...",
		Description: `Loads trace snapshots and Collector JSONL, then builds the timeline,
header, and every bar tooltip of each request.

This command checks:
  - The file decodes
  - Every event sits on a lane its request owns
  - Every API call resolves to a request in the trace
  - Request payloads cover the declared path parameters
  - Requests and events have end times

Exit codes:
  0 - No structural problems
  1 - One or more traces are broken`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return fmt.Errorf("validate needs at least one file")
			}
			return runValidate(ctx, os.Stdout, cmd.Args().Slice())
		},
	}
}

type checkResult struct {
	Name       string
	Status     string // "pass", "warn", "fail"
	Message    string
	Suggestion string
}

func runValidate(ctx context.Context, w io.Writer, paths []string) error {
	var results []checkResult
	for _, p := range paths {
		fmt.Fprintf(w, "🔍 %s\n", p)
		fileResults := validateFile(ctx, p)
		for _, r := range fileResults {
			printCheckResult(w, r)
		}
		results = append(results, fileResults...)
		fmt.Fprintln(w)
	}

	summary := summarizeResults(results)
	printSummary(w, summary)

	if summary.FailCount > 0 {
		return fmt.Errorf("found %d broken trace(s)", summary.FailCount)
	}
	return nil
}

func validateFile(ctx context.Context, path string) []checkResult {
	store, err := loadStore(ctx, path)
	if err != nil {
		return []checkResult{{
			Name:       "decode",
			Status:     "fail",
			Message:    "Could not load file",
			Suggestion: fmt.Sprintf("Error: %v", err),
		}}
	}

	summaries := store.Recent(ctx, storage.DefaultSnapshotCapacity)
	if len(summaries) == 0 {
		return []checkResult{{
			Name:    "decode",
			Status:  "warn",
			Message: "File holds no traces",
		}}
	}

	var results []checkResult
	for _, sum := range summaries {
		tr, _, err := store.Trace(ctx, sum.ID)
		if err != nil {
			results = append(results, checkResult{
				Name:       "convert",
				Status:     "fail",
				Message:    fmt.Sprintf("Trace %s could not be assembled", sum.ID),
				Suggestion: fmt.Sprintf("Error: %v", err),
			})
			continue
		}
		results = append(results, validateTrace(tr))
	}
	return results
}

// validateTrace walks every request and bar of tr. Structural errors fail
// the trace, display fallbacks only warn.
func validateTrace(tr *trace.Trace) checkResult {
	if tr.Root == nil {
		return checkResult{
			Name:    "trace",
			Status:  "fail",
			Message: fmt.Sprintf("Trace %s has no root request", tr.ID),
		}
	}

	var (
		bars     int
		failures []string
		warnings []string
	)
	requests := tr.Requests()
	for _, req := range requests {
		if err := validateRequest(tr, req, &bars, &warnings); err != nil {
			failures = append(failures, err.Error())
		}
	}

	res := checkResult{
		Name:    "trace",
		Status:  "pass",
		Message: fmt.Sprintf("Trace %s: %d requests, %d bars", tr.ID, len(requests), bars),
	}
	switch {
	case len(failures) > 0:
		res.Status = "fail"
		res.Suggestion = joinLines(failures)
	case len(warnings) > 0:
		res.Status = "warn"
		res.Suggestion = joinLines(warnings)
	}
	return res
}

func validateRequest(tr *trace.Trace, req *trace.Request, bars *int, warnings *[]string) error {
	model, err := timeline.Build(tr, req)
	if err != nil {
		return describe(err)
	}
	if _, err := detail.ForRequest(tr, req); err != nil {
		return describe(err)
	}
	if req.EndTime == nil {
		*warnings = append(*warnings, fmt.Sprintf("request %s has no end time", req.ID))
	}

	split := payload.Correlate(tr, req, req.Inputs)
	for _, p := range split.Params {
		if p.Missing {
			*warnings = append(*warnings, fmt.Sprintf("request %s payload lacks path parameter %s", req.ID, p.Name))
		}
	}

	for _, lane := range model.Lanes {
		for _, bar := range lane.Bars {
			*bars++
			if _, err := detail.ForEvent(tr, req, bar.Event); err != nil {
				return describe(err)
			}
			if bar.Latency == "Unknown" {
				*warnings = append(*warnings, fmt.Sprintf("request %s bar g%d:%d (%s) has no end time", req.ID, lane.GoID, bar.Index, bar.Kind))
			}
		}
	}
	return nil
}

// describe names the structural error for the report.
func describe(err error) error {
	var missing *timeline.MissingLaneError
	if errors.As(err, &missing) {
		return fmt.Errorf("lane missing: %w", err)
	}
	var unresolved *detail.UnresolvedReferenceError
	if errors.As(err, &unresolved) {
		return fmt.Errorf("unresolved call: %w", err)
	}
	return err
}

func joinLines(lines []string) string {
	const limit = 10
	out := ""
	for i, l := range lines {
		if i == limit {
			out += fmt.Sprintf("\n  ... %d more", len(lines)-limit)
			break
		}
		if i > 0 {
			out += "\n  "
		}
		out += l
	}
	return out
}

func printCheckResult(w io.Writer, result checkResult) {
	var icon string
	switch result.Status {
	case "pass":
		icon = "✓"
	case "warn":
		icon = "⚠"
	case "fail":
		icon = "✗"
	}

	fmt.Fprintf(w, "%s %s\n", icon, result.Message)

	if result.Suggestion != "" {
		fmt.Fprintf(w, "  %s\n", result.Suggestion)
	}
}

type resultSummary struct {
	PassCount int
	WarnCount int
	FailCount int
}

func summarizeResults(results []checkResult) resultSummary {
	var summary resultSummary
	for _, r := range results {
		switch r.Status {
		case "pass":
			summary.PassCount++
		case "warn":
			summary.WarnCount++
		case "fail":
			summary.FailCount++
		}
	}
	return summary
}

func printSummary(w io.Writer, summary resultSummary) {
	if summary.FailCount > 0 {
		fmt.Fprintf(w, "❌ Found %d broken trace(s)\n", summary.FailCount)
		if summary.WarnCount > 0 {
			fmt.Fprintf(w, "⚠️  %d warning(s)\n", summary.WarnCount)
		}
	} else if summary.WarnCount > 0 {
		fmt.Fprintf(w, "✅ No structural problems\n")
		fmt.Fprintf(w, "⚠️  %d trace(s) will show fallbacks\n", summary.WarnCount)
	} else {
		fmt.Fprintf(w, "✅ All traces are valid\n")
		fmt.Fprintf(w, "💡 Run 'tracelanes render <file>' to see a timeline\n")
	}
}
