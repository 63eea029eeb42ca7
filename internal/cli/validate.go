package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/worldline/internal/manifest"
)

// ValidationResult is the validate command's report.
type ValidationResult struct {
	Valid        bool                       `json:"valid"`
	ManifestHash string                     `json:"manifest_hash,omitempty"`
	Modules      int                        `json:"modules"`
	Effects      int                        `json:"effects"`
	Routes       int                        `json:"routes"`
	Errors       []manifest.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest-dir>",
		Short: "Validate a CUE manifest",
		Long: `Load the CUE package in <manifest-dir>, decode its top-level manifest
field and check every cross-reference: routes, capabilities, grants, adapters
and event schemas. Prints the manifest hash on success.

Exit codes:
  0 - manifest is valid
  1 - manifest has validation errors
  2 - the directory could not be loaded`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	m, err := manifest.LoadDir(dir)
	var verrs manifest.Errors
	switch {
	case errors.As(err, &verrs):
		return outputValidationErrors(f, verrs)
	case err != nil:
		return f.Fail(ExitCommandError, ErrCodeLoad, "load manifest", err, nil)
	}

	hash, err := m.Hash()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalid, "hash manifest", err, nil)
	}
	f.VerboseLog("loaded manifest version %d from %s", m.Version, dir)

	result := ValidationResult{
		Valid:        true,
		ManifestHash: hash,
		Modules:      len(m.Modules),
		Effects:      len(m.Effects),
		Routes:       len(m.Routing),
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintln(w, "✓ Manifest valid")
		fmt.Fprintf(w, "  hash:    %s\n", hash)
		fmt.Fprintf(w, "  modules: %d  effects: %d  routes: %d\n", result.Modules, result.Effects, result.Routes)
	})
}

func outputValidationErrors(f *OutputFormatter, errs manifest.Errors) error {
	exit := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	if f.Format == "json" {
		if err := f.encode(Response{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error:  &ResponseError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return exit
	}

	fmt.Fprintln(f.Writer, "✗ Validation failed")
	for _, e := range errs {
		fmt.Fprintf(f.Writer, "  %s %s: %s\n", e.Code, e.Field, e.Message)
	}
	return exit
}

// loadManifest is the shared manifest loader of init and apply.
func loadManifest(f *OutputFormatter, dir string) (*manifest.Manifest, error) {
	m, err := manifest.LoadDir(dir)
	var verrs manifest.Errors
	switch {
	case errors.As(err, &verrs):
		return nil, outputValidationErrors(f, verrs)
	case err != nil:
		return nil, f.Fail(ExitCommandError, ErrCodeLoad, "load manifest", err, nil)
	}
	return m, nil
}
