package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/workflow"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
}

// InspectResult summarizes a world's folded state.
type InspectResult struct {
	WorldID         string              `json:"world_id"`
	Head            int64               `json:"head"`
	HeadHash        string              `json:"head_hash"`
	StateHash       string              `json:"state_hash"`
	ManifestHash    string              `json:"manifest_hash"`
	ManifestVersion int64               `json:"manifest_version"`
	NowNs           int64               `json:"now_ns"`
	SnapshotSeq     int64               `json:"snapshot_seq"`
	Records         map[string]int64    `json:"records"`
	Instances       []workflow.Instance `json:"instances"`
	Pending         []ir.PendingIntent  `json:"pending"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show world state folded from the journal",
		Long: `Fold the journal from its latest snapshot and print the world's
instances, pending intents and record counts. No module code runs.

Examples:
  worldline inspect --db ./world.db
  worldline inspect --db ./world.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal (default from config)")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	j, err := openExisting(opts.dbPath(opts.Database))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "open journal", err, nil)
	}
	defer j.Close()

	worldID, err := j.WorldID(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "read world id", err, nil)
	}
	counts, err := j.CountByKind(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "count records", err, nil)
	}
	fold, err := kernel.FoldState(ctx, j, true, opts.logger())
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeJournal, "fold journal", err, nil)
	}

	result := InspectResult{
		WorldID:         worldID,
		Head:            fold.Head.Seq,
		HeadHash:        fold.Head.Hash,
		StateHash:       fold.StateHash,
		ManifestHash:    fold.ManifestHash,
		ManifestVersion: fold.ManifestVersion,
		NowNs:           fold.NowNs,
		SnapshotSeq:     fold.SnapshotSeq,
		Records:         counts,
		Instances:       fold.Instances,
		Pending:         fold.Pending,
	}
	return f.Success(result, func(w io.Writer) { printInspect(w, result) })
}

func printInspect(w io.Writer, r InspectResult) {
	fmt.Fprintf(w, "World %s\n", r.WorldID)
	fmt.Fprintf(w, "  head:     %d (%s)\n", r.Head, shortHash(r.HeadHash))
	fmt.Fprintf(w, "  state:    %s\n", shortHash(r.StateHash))
	fmt.Fprintf(w, "  manifest: v%d %s\n", r.ManifestVersion, shortHash(r.ManifestHash))
	if r.SnapshotSeq > 0 {
		fmt.Fprintf(w, "  snapshot: seq %d\n", r.SnapshotSeq)
	}

	fmt.Fprintln(w, "Records:")
	for _, kind := range ir.RecordKinds {
		if n := r.Records[kind]; n > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", kind, n)
		}
	}

	fmt.Fprintf(w, "Instances (%d):\n", len(r.Instances))
	for _, in := range r.Instances {
		line := fmt.Sprintf("  %-24s %-9s events@%d", in.Origin().String(), in.Status, in.LastEventSeq)
		if len(in.Inflight) > 0 {
			line += fmt.Sprintf(" inflight=%d", len(in.Inflight))
		}
		if in.Reason != "" {
			line += " reason=" + in.Reason
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "Pending intents (%d):\n", len(r.Pending))
	for _, p := range r.Pending {
		fmt.Fprintf(w, "  %s  %-16s %s  fence=%d\n", shortHash(p.IntentHash), p.Kind, p.Origin, p.EmittedAtSeq)
	}
}
