// Package cli implements the squatscan command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/seanhalberthal/squatscan/internal/config"
	"github.com/seanhalberthal/squatscan/internal/logging"
	"github.com/seanhalberthal/squatscan/internal/report"
	"github.com/seanhalberthal/squatscan/internal/scanner"
	"github.com/seanhalberthal/squatscan/internal/server"
	"github.com/seanhalberthal/squatscan/internal/types"
)

const errorFormat = "Error: %v\n"

// Exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFindings = 2
)

// ErrFindings is returned by scan when a finding carries a --fail-on category.
var ErrFindings = errors.New("risky references found")

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configFile  string
	logLevel    string
	snapshot    string
	ruleset     string
	concurrency int
}

type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
	// interactive enables the progress spinner.
	interactive bool
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := newRootCommand(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return run(ctx, root, os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, stderr io.Writer) int {
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrFindings):
		return ExitFindings
	default:
		fmt.Fprintf(stderr, errorFormat, err)
		return ExitError
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout:      stdout,
		stderr:      stderr,
		interactive: isTerminal(stderr),
	}

	root := &cobra.Command{
		Use:   "squatscan",
		Short: "Find missing, unclaimed and typosquatted package references in JS/TS sources",
		Long: `squatscan extracts every third-party package reference from JavaScript and
TypeScript sources, bundles, build configs and markup, and classifies each one
against a registry snapshot and a risk ruleset.

Run without a command's arguments for help, or use "squatscan serve" to expose
the scanner as an MCP server over stdio.`,
		Version:       types.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("squatscan version {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configFile, "config", "", "config file (default .squatscan.yaml in the scan root or $HOME)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error or off")
	pf.StringVar(&a.flags.snapshot, "snapshot", "", "registry snapshot file (.yaml, .json or .db)")
	pf.StringVar(&a.flags.ruleset, "ruleset", "", "risk ruleset file (.yaml, .json or .toml)")
	pf.IntVar(&a.flags.concurrency, "concurrency", 0, "worker count (default: number of CPUs)")

	root.AddCommand(
		a.scanCommand(),
		a.checkCommand(),
		a.statusCommand(),
		a.refreshCommand(),
		a.fetchCommand(),
		a.serveCommand(),
	)
	return root
}

// service loads configuration for root, applies flag overrides and builds
// the scanner service.
func (a *app) service(root string) (*scanner.Service, error) {
	cfg, err := config.Load(root, a.flags.configFile)
	if err != nil {
		return nil, err
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.snapshot != "" {
		cfg.Snapshot = a.flags.snapshot
	}
	if a.flags.ruleset != "" {
		cfg.Ruleset = a.flags.ruleset
	}
	if a.flags.concurrency > 0 {
		cfg.Concurrency = a.flags.concurrency
	}

	logger := logging.New(a.stderr, logging.LevelFromString(cfg.LogLevel))
	return scanner.New(scanner.WithConfig(cfg), scanner.WithLogger(logger))
}

// configRoot is the directory whose config and .env apply to path.
func configRoot(path string) string {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

type scanFlags struct {
	format  string
	fetch   bool
	failOn  []string
	verbose bool
	units   bool
}

func (a *app) scanCommand() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "Scan a directory or file for risky package references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(configRoot(args[0]))
			if err != nil {
				return err
			}
			return a.runScan(cmd.Context(), svc, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.format, "format", "json", "output format: json or text")
	cmd.Flags().BoolVar(&f.fetch, "fetch", false, "look up packages the snapshot does not know in the registry")
	cmd.Flags().StringSliceVar(&f.failOn, "fail-on", nil, "exit with status 2 when a finding has one of these categories")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "list resolved packages in text output")
	cmd.Flags().BoolVar(&f.units, "units", false, "include scanned units in JSON output")
	return cmd
}

func (a *app) runScan(ctx context.Context, scan scanner.Scanner, path string, f scanFlags) error {
	format, err := report.ParseFormat(f.format)
	if err != nil {
		return err
	}
	failOn, err := parseCategories(f.failOn)
	if err != nil {
		return err
	}

	stop := a.startSpinner("scanning " + path)
	result, err := scan.Scan(ctx, scanner.ScanOptions{
		Path:         path,
		Fetch:        f.fetch,
		IncludeUnits: f.units,
	})
	stop()
	if err != nil {
		return err
	}

	switch format {
	case report.FormatText:
		err = report.Text(a.stdout, result, f.verbose)
	default:
		err = report.JSON(a.stdout, result)
	}
	if err != nil {
		return err
	}

	if hasCategory(result.Findings, failOn) {
		return ErrFindings
	}
	return nil
}

func parseCategories(names []string) (types.Categories, error) {
	var cs types.Categories
	for _, n := range names {
		c, err := types.ParseCategory(n)
		if err != nil {
			return 0, err
		}
		cs = cs.With(c)
	}
	return cs, nil
}

func hasCategory(findings []types.Finding, want types.Categories) bool {
	if want == 0 {
		return false
	}
	for i := range findings {
		if findings[i].Categories&want != 0 {
			return true
		}
	}
	return false
}

func (a *app) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <name> [version]",
		Short: "Classify a single package name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(".")
			if err != nil {
				return err
			}
			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			return a.runCheck(cmd.Context(), svc, args[0], version)
		},
	}
}

func (a *app) runCheck(ctx context.Context, scan scanner.Scanner, name, version string) error {
	result, err := scan.CheckPackage(ctx, name, version)
	if err != nil {
		return err
	}
	return report.JSON(a.stdout, result)
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the loaded ruleset, registry snapshot and supported inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(".")
			if err != nil {
				return err
			}
			return a.runStatus(svc)
		},
	}
}

func (a *app) runStatus(scan scanner.Scanner) error {
	return report.JSON(a.stdout, scan.GetStatus())
}

func (a *app) refreshCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Update the cached OSV malicious-package feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(".")
			if err != nil {
				return err
			}
			stop := a.startSpinner("refreshing advisory feed")
			result, err := svc.Refresh(cmd.Context(), force)
			stop()
			if err != nil {
				return err
			}
			return report.JSON(a.stdout, result)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refresh even if the cached feed is fresh")
	return cmd
}

func (a *app) fetchCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Build a registry snapshot for the packages referenced under path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(configRoot(args[0]))
			if err != nil {
				return err
			}
			stop := a.startSpinner("fetching registry records")
			snap, err := svc.BuildSnapshot(cmd.Context(), args[0], out)
			stop()
			if err != nil {
				return err
			}
			return report.JSON(a.stdout, snap.Status())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "squatscan-snapshot.db", "snapshot file to write (.db, .yaml or .json)")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(".")
			if err != nil {
				return err
			}
			return server.Run(cmd.Context(), svc)
		},
	}
}

// startSpinner shows progress on stderr when it is a terminal. The returned
// func stops it.
func (a *app) startSpinner(msg string) func() {
	if !a.interactive {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(a.stderr))
	s.Suffix = " " + msg
	s.Start()
	return s.Stop
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
