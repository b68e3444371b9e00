package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/flux/internal/harness"
)

// FileValidation holds the validation outcome for one scenario file.
type FileValidation struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file-or-dir>",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario YAML files without dispatching anything.

Checks YAML syntax, unknown fields (typos), event name format, and
cross-references between handlers, assertions, and declared stores.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		_ = formatter.Error(ErrCodeBadPath, fmt.Sprintf("path not found: %s", path), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("path not found: %s", path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "stat failed", err)
	}

	var files []string
	if info.IsDir() {
		files, err = findScenarioFiles(path, "")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list scenarios", err)
		}
		if len(files) == 0 {
			_ = formatter.Error(ErrCodeBadPath, fmt.Sprintf("no scenario files in %s", path), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("no scenario files in %s", path))
		}
	} else {
		files = []string{path}
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, file := range files {
		fv := FileValidation{File: file, Valid: true}
		if _, err := harness.LoadScenario(file); err != nil {
			fv.Valid = false
			fv.Error = err.Error()
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
		formatter.VerboseLog("scenario validated", "file", filepath.Base(file))
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "OK    %s\n", fv.File)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "BAD   %s\n      %s\n", fv.File, fv.Error)
			}
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "one or more scenario files are invalid")
	}
	return nil
}
