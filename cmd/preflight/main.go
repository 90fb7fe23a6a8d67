package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pario-ai/preflight/pkg/budget"
	"github.com/pario-ai/preflight/pkg/claim"
	"github.com/pario-ai/preflight/pkg/config"
	"github.com/spf13/cobra"
)

var version = "dev"

// Exit codes. Budget exhaustion shares code 1 with usage errors so callers
// can skip gated work without treating it as an infrastructure fault (2).
const (
	exitOK       = 0
	exitRejected = 1
	exitFailure  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

func run(args []string, stdout, stderr io.Writer, lookup config.LookupFunc) int {
	root := newRootCmd(&app{lookupEnv: lookup})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var uerr usageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, budget.ErrBudgetExceeded), errors.As(err, &uerr):
		return exitRejected
	case strings.HasPrefix(err.Error(), "unknown command"):
		return exitRejected
	default:
		return exitFailure
	}
}

// usageError marks bad invocations.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// app carries state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	lookupEnv  config.LookupFunc

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "preflight",
		Short:         "Pre-flight coordination for parallel test runs: once-per-run seeding and a daily AI request budget",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to preflight config file (optional)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newBudgetCmd(a),
		newEstimateCmd(a),
		newSeedCmd(a),
		newLockCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) init(logOut io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return usageError{fmt.Errorf("invalid --log-level %q", a.logLevel)}
	}
	a.log = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)

	cfg := config.Default()
	if a.configPath != "" {
		var err error
		cfg, err = config.Load(a.configPath)
		if err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(a.lookupEnv); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	a.cfg = cfg
	return nil
}

// claimStore opens the configured claim backend. File claims live under
// {seed.dir}/{namespace}; SQLite claims share seed.db_path.
func (a *app) claimStore(namespace string) (claim.Store, func(), error) {
	switch a.cfg.Seed.Backend {
	case "", "file":
		return claim.NewFileStore(a.cfg.Seed.Dir, namespace), func() {}, nil
	case "sqlite":
		s, err := claim.NewSQLiteStore(a.cfg.Seed.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown seed backend %q (want file or sqlite)", a.cfg.Seed.Backend)
	}
}
