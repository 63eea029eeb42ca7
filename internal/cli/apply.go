package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/module"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database string
	Manifest string
}

// ApplyResult reports a committed manifest swap.
type ApplyResult struct {
	Seq          int64  `json:"seq"`
	ManifestHash string `json:"manifest_hash"`
	Version      int64  `json:"version"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Swap the world's manifest",
		Long: `Validate a manifest and append a manifest_swap record.

The swap is refused while any instance is waiting on a receipt or any intent
is pending. The refusal lists what blocks it.

Exit codes:
  0 - manifest applied
  1 - manifest invalid or world not quiescent
  2 - command error

Examples:
  worldline apply --db ./world.db --manifest ./manifest`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal (default from config)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "directory holding the CUE manifest (required)")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	m, err := loadManifest(f, opts.Manifest)
	if err != nil {
		return err
	}

	j, err := openExisting(opts.dbPath(opts.Database))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "open journal", err, nil)
	}
	defer j.Close()

	w, err := kernel.Open(ctx, j, module.NewRegistry(), opts.worldOptions()...)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeJournal, "restore world", err, nil)
	}

	res, err := w.ApplyManifest(ctx, m)
	var qe *kernel.QuiescenceError
	switch {
	case errors.As(err, &qe):
		return f.Fail(ExitFailure, ErrCodeQuiescence, "manifest swap refused", err, qe)
	case err != nil:
		return f.Fail(ExitFailure, ErrCodeInvalid, "apply manifest", err, nil)
	}

	hash, err := m.Hash()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "hash manifest", err, nil)
	}
	fold, err := kernel.FoldState(ctx, j, true, opts.logger())
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeJournal, "fold journal", err, nil)
	}

	result := ApplyResult{Seq: res.LastSeq, ManifestHash: hash, Version: fold.ManifestVersion}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Manifest v%d applied at seq %d\n", result.Version, result.Seq)
		fmt.Fprintf(w, "  hash: %s\n", result.ManifestHash)
	})
}
