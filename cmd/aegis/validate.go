package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/policy/manager"
)

var validateFlags struct {
	file string
	dir  string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and policy bundles",
	Long: `Validate the configuration file and tenant policy bundles without
touching any store.

Each bundle is parsed, its policies, scopes, precedence rows, thresholds
and override configurations are checked, and the compiled policy logic is
verified. Without --file or --dir, the configured bundle directory is used.

Examples:
  # Validate the configured bundle directory
  aegis validate

  # Validate one bundle
  aegis validate --file policies/acme.yaml

  # JSON report for CI
  aegis validate --dir policies/ -o json`,
	Args: cobra.NoArgs,
	RunE: validateBundles,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFlags.file, "file", "f", "", "bundle file to validate")
	validateCmd.Flags().StringVarP(&validateFlags.dir, "dir", "d", "", "directory of bundle files")
}

// bundleReport is one validated bundle file.
type bundleReport struct {
	File      string `json:"file"`
	Tenant    string `json:"tenant,omitempty"`
	Policies  int    `json:"policies"`
	Overrides int    `json:"overrides"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

type validateReport struct {
	Bundles []bundleReport `json:"bundles"`
	Valid   bool           `json:"valid"`
}

func (r validateReport) Header() []string {
	return []string{"FILE", "TENANT", "POLICIES", "OVERRIDES", "STATUS"}
}

func (r validateReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Bundles))
	for _, b := range r.Bundles {
		status := "ok"
		if !b.Valid {
			status = "invalid: " + b.Error
		}
		rows = append(rows, []string{b.File, b.Tenant, strconv.Itoa(b.Policies), strconv.Itoa(b.Overrides), status})
	}
	return rows
}

func validateBundles(cmd *cobra.Command, args []string) error {
	if validateFlags.file != "" && validateFlags.dir != "" {
		return cli.NewConfigError("validate", "--file and --dir are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return cli.NewCommandError("validate", err)
	}
	dir := validateFlags.dir
	if dir == "" && validateFlags.file == "" {
		dir = cfg.Policy.BundleDir
	}

	loader := manager.NewLoader(nil)
	var (
		bundles []*manager.Bundle
		loadErr error
	)
	if validateFlags.file != "" {
		var b *manager.Bundle
		b, loadErr = loader.LoadFile(validateFlags.file)
		if b != nil {
			bundles = append(bundles, b)
		}
	} else {
		bundles, loadErr = loader.LoadDir(dir)
	}

	report := validateReport{Valid: loadErr == nil}
	for _, b := range bundles {
		report.Bundles = append(report.Bundles, bundleReport{
			File:      b.Path,
			Tenant:    b.Tenant,
			Policies:  len(b.Policies),
			Overrides: len(b.Overrides),
			Valid:     true,
		})
	}
	for _, err := range bundleErrors(loadErr) {
		report.Bundles = append(report.Bundles, bundleReport{File: errorFile(err), Tenant: errorTenant(err), Error: err.Error()})
	}

	if err := render(cmd, report); err != nil {
		return err
	}
	if !report.Valid {
		return &cli.CommandError{
			Command: "validate",
			Err:     fmt.Errorf("%d invalid bundle file(s)", len(report.Bundles)-len(bundles)),
			Code:    cli.ExitInvalid,
		}
	}
	return nil
}

func bundleErrors(err error) []error {
	if err == nil {
		return nil
	}
	var list *manager.ErrorList
	if errors.As(err, &list) {
		return list.Errors
	}
	return []error{err}
}

func errorFile(err error) string {
	var (
		loadErr  *manager.LoadError
		parseErr *manager.ParseError
		valErr   *manager.ValidationError
	)
	switch {
	case errors.As(err, &loadErr):
		return loadErr.FilePath
	case errors.As(err, &parseErr):
		return parseErr.FilePath
	case errors.As(err, &valErr):
		return valErr.FilePath
	}
	return ""
}

func errorTenant(err error) string {
	var valErr *manager.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Tenant
	}
	return ""
}
