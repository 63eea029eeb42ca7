package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/ir"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Kind     string
	From     int64
	Limit    int
}

// JournalEntry is one record as printed by the journal command.
type JournalEntry struct {
	Seq  int64           `json:"seq"`
	Kind string          `json:"kind"`
	Hash string          `json:"hash"`
	Body json.RawMessage `json:"body"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List journal records",
		Long: `List journal records in seq order.

Examples:
  worldline journal --db ./world.db
  worldline journal --db ./world.db --kind receipt --from 10
  worldline journal --db ./world.db --format json --limit 50`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal (default from config)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only records of this kind")
	cmd.Flags().Int64Var(&opts.From, "from", 1, "first seq to list")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	if opts.Kind != "" && !ir.ValidRecordKind(opts.Kind) {
		return f.Fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("unknown record kind %q (valid: %v)", opts.Kind, ir.RecordKinds), nil, nil)
	}

	j, err := openExisting(opts.dbPath(opts.Database))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "open journal", err, nil)
	}
	defer j.Close()

	recs, err := j.Records(ctx, opts.From, opts.Kind)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "read records", err, nil)
	}
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}

	entries := make([]JournalEntry, len(recs))
	for i, r := range recs {
		entries[i] = JournalEntry{Seq: r.Seq, Kind: r.Kind, Hash: r.Hash, Body: r.Body}
	}
	return f.Success(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "no records")
			return
		}
		for _, e := range entries {
			body := string(e.Body)
			if !opts.Verbose && len(body) > 96 {
				body = body[:93] + "..."
			}
			fmt.Fprintf(w, "%6d  %-16s %s  %s\n", e.Seq, e.Kind, shortHash(e.Hash), body)
		}
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

