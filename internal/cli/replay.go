package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayResult compares the full fold with the snapshot-based fold.
type ReplayResult struct {
	Head         int64  `json:"head"`
	FullHash     string `json:"full_hash"`
	SnapshotSeq  int64  `json:"snapshot_seq"`
	SnapshotHash string `json:"snapshot_hash"`
	Consistent   bool   `json:"consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Check that the journal folds to one state",
		Long: `Verify the hash chain, then fold the journal twice: once from genesis and
once from the latest snapshot. Both folds must reach the same state hash.

Exit codes:
  0 - both folds agree
  1 - the chain is broken or the folds diverge
  2 - command error (journal not found, etc.)

Examples:
  worldline replay --db ./world.db
  worldline replay --db ./world.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal (default from config)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	j, err := openExisting(opts.dbPath(opts.Database))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "open journal", err, nil)
	}
	defer j.Close()

	full, err := kernel.FoldState(ctx, j, false, opts.logger())
	if err != nil {
		return replayFailure(f, err)
	}
	f.VerboseLog("full fold: head %d state %s", full.Head.Seq, full.StateHash)

	snap, err := kernel.FoldState(ctx, j, true, opts.logger())
	if err != nil {
		return replayFailure(f, err)
	}
	f.VerboseLog("snapshot fold from seq %d: state %s", snap.SnapshotSeq, snap.StateHash)

	result := ReplayResult{
		Head:         full.Head.Seq,
		FullHash:     full.StateHash,
		SnapshotSeq:  snap.SnapshotSeq,
		SnapshotHash: snap.StateHash,
		Consistent:   full.StateHash == snap.StateHash,
	}
	if !result.Consistent {
		return f.Fail(ExitFailure, ErrCodeDivergence,
			fmt.Sprintf("state diverges: full fold %s, snapshot fold %s",
				shortHash(result.FullHash), shortHash(result.SnapshotHash)), nil, result)
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Replay consistent at seq %d\n", result.Head)
		fmt.Fprintf(w, "  state: %s\n", result.FullHash)
		if result.SnapshotSeq > 0 {
			fmt.Fprintf(w, "  snapshot: seq %d\n", result.SnapshotSeq)
		}
	})
}

func replayFailure(f *OutputFormatter, err error) error {
	var chain *journal.ChainError
	if errors.As(err, &chain) {
		return f.Fail(ExitFailure, ErrCodeJournal, "hash chain broken", err, nil)
	}
	return f.Fail(ExitFailure, ErrCodeDivergence, "fold journal", err, nil)
}
