package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tobert/tracelanes/internal/detail"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
	"github.com/tobert/tracelanes/internal/tui"
	"github.com/tobert/tracelanes/internal/viz"
)

// RenderCommand returns the CLI command definition for the 'render' subcommand.
func RenderCommand() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Print the span timeline of a trace file",
		ArgsUsage: "<file.trace.json|traces.jsonl>",
		Description: `Reads a trace snapshot or Collector JSONL file and prints one request
as goroutine lanes, its numbered bars, the request tree, and its logs.
Use --bar gN:M to also print the tooltip of one bar.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trace", Usage: "Trace id within a JSONL file (default: most recent)"},
			&cli.StringFlag{Name: "request", Usage: "Request id within the trace (default: root)"},
			&cli.IntFlag{Name: "width", Usage: "Line width", Value: 100},
			&cli.BoolFlag{Name: "color", Usage: "Color bars with their palette colors"},
			&cli.StringFlag{Name: "bar", Usage: "Print the detail of bar gN:M"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("render takes exactly one file")
			}
			tr, err := loadTrace(ctx, cmd.Args().First(), cmd.String("trace"))
			if err != nil {
				return err
			}
			return renderTrace(os.Stdout, tr, renderOptions{
				RequestID: cmd.String("request"),
				Width:     cmd.Int("width"),
				Color:     cmd.Bool("color"),
				Bar:       cmd.String("bar"),
			})
		},
	}
}

// ExploreCommand returns the CLI command definition for the 'explore' subcommand.
func ExploreCommand() *cli.Command {
	return &cli.Command{
		Name:      "explore",
		Usage:     "Browse the span timeline of a trace file interactively",
		ArgsUsage: "<file.trace.json|traces.jsonl>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trace", Usage: "Trace id within a JSONL file (default: most recent)"},
			&cli.BoolFlag{Name: "no-color", Usage: "Draw bars without color"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("explore takes exactly one file")
			}
			tr, err := loadTrace(ctx, cmd.Args().First(), cmd.String("trace"))
			if err != nil {
				return err
			}
			return tui.Run(tr, !cmd.Bool("no-color"))
		},
	}
}

type renderOptions struct {
	RequestID string
	Width     int
	Color     bool
	Bar       string // "gN:M"
}

func renderTrace(w io.Writer, tr *trace.Trace, opts renderOptions) error {
	req := tr.Root
	if opts.RequestID != "" {
		req = tr.FindRequest(opts.RequestID)
	}
	if req == nil {
		return fmt.Errorf("trace %s: %w", tr.ID, storage.ErrRequestNotFound)
	}

	header, err := detail.ForRequest(tr, req)
	if err != nil {
		return brokenTrace(tr, err)
	}
	model, err := timeline.Build(tr, req)
	if err != nil {
		return brokenTrace(tr, err)
	}

	fmt.Fprintf(w, "%s  %s  %s\n\n", header.Title(), header.TypeLabel, header.Duration)
	vopts := viz.Options{Width: opts.Width, Color: opts.Color}

	if opts.Bar != "" {
		var sel viz.Selection
		if _, err := fmt.Sscanf(opts.Bar, "g%d:%d", &sel.GoID, &sel.Bar); err != nil {
			return fmt.Errorf("bar must look like g1:0, got %q", opts.Bar)
		}
		lane, ok := model.Lane(sel.GoID)
		if !ok || sel.Bar < 0 || sel.Bar >= len(lane.Bars) {
			return fmt.Errorf("request %s has no bar %s", req.ID, opts.Bar)
		}
		vopts.Selected = &sel
		fmt.Fprint(w, viz.Timeline(model, vopts))

		view, err := detail.ForEvent(tr, req, lane.Bars[sel.Bar].Event)
		if err != nil {
			return brokenTrace(tr, err)
		}
		fmt.Fprintf(w, "\n%s  %s\n", view.Title, view.Latency)
		for _, sec := range view.Sections {
			fmt.Fprintf(w, "\n  %s\n", sec.Title)
			switch {
			case sec.Note != "":
				fmt.Fprintf(w, "    %s\n", sec.Note)
			case sec.Content != nil:
				fmt.Fprintf(w, "    %s\n", sec.Content.Text)
			}
			for _, p := range sec.Params {
				fmt.Fprintf(w, "    %s: %s\n", p.Name, p.Value)
			}
		}
		for _, r := range view.Timings {
			fmt.Fprintf(w, "  %-10s %s\n", r.Label, r.Value)
		}
		return nil
	}

	fmt.Fprint(w, viz.Timeline(model, vopts))
	if req == tr.Root {
		fmt.Fprintln(w)
		fmt.Fprint(w, viz.Waterfall(tr, opts.Width))
	}
	if len(model.Logs) > 0 {
		fmt.Fprintf(w, "\nLogs (%d)\n", len(model.Logs))
		for _, l := range model.Logs {
			fmt.Fprintf(w, "  %s %s %s\n", l.Clock, l.LevelTag, l.Msg)
		}
	}
	return nil
}

// brokenTrace reports a structural error as a diagnostic about the trace.
func brokenTrace(tr *trace.Trace, err error) error {
	var missing *timeline.MissingLaneError
	var unresolved *detail.UnresolvedReferenceError
	switch {
	case errors.As(err, &missing), errors.As(err, &unresolved):
		return fmt.Errorf("trace %s is broken: %w", tr.ID, err)
	}
	return err
}
