package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/kernel"
	"github.com/roach88/worldline/internal/module"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Database string
	Manifest string
}

// InitResult reports a freshly created world.
type InitResult struct {
	WorldID      string `json:"world_id"`
	Database     string `json:"database"`
	ManifestHash string `json:"manifest_hash"`
	Head         int64  `json:"head"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a journal with a genesis manifest",
		Long: `Create a new journal and write the genesis manifest_swap record.

Refuses to touch a journal that already holds records.

Examples:
  worldline init --db ./world.db --manifest ./manifest`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal (default from config)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "directory holding the CUE manifest (required)")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)
	path := opts.dbPath(opts.Database)

	m, err := loadManifest(f, opts.Manifest)
	if err != nil {
		return err
	}

	j, err := journal.Open(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "open journal", err, nil)
	}
	defer j.Close()

	head, err := j.Head(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "read head", err, nil)
	}
	if head.Seq > 0 {
		return f.Fail(ExitFailure, ErrCodeExists,
			fmt.Sprintf("journal %s already holds %d record(s)", path, head.Seq), nil, nil)
	}

	w, err := kernel.Open(ctx, j, module.NewRegistry(),
		kernel.WithGenesis(m),
		kernel.WithLogger(opts.logger()))
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeInvalid, "write genesis", err, nil)
	}

	worldID, err := j.WorldID(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "read world id", err, nil)
	}
	hash, err := m.Hash()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalid, "hash manifest", err, nil)
	}

	result := InitResult{
		WorldID:      worldID,
		Database:     path,
		ManifestHash: hash,
		Head:         w.Head().Seq,
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Initialized world %s\n", result.WorldID)
		fmt.Fprintf(w, "  journal:  %s\n", result.Database)
		fmt.Fprintf(w, "  manifest: %s\n", result.ManifestHash)
	})
}
