// Package cli implements the docsync command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docsync/internal/paths"
	"github.com/mesh-intelligence/docsync/pkg/docsync"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	backend   string
	logLevel  string
}

var flags rootFlags

// conf is loaded by the root command before any subcommand runs.
var conf settings

// NewRootCmd creates the top-level "docsync" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	flags = rootFlags{}
	conf = settings{}

	root := &cobra.Command{
		Use:   "docsync",
		Short: "Collaborative document store",
		Long: "docsync keeps documents as collections of typed records, syncs them\n" +
			"between clients and serves them to remote clients through a relay.",
		Version:           docsync.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadSettings,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: $"+paths.EnvConfigDir+" or the platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/"+paths.DefaultDataDirName+")")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "backend: memory, local or remote (default from config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newSetCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newServeCmd())
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "docsync:", err)
		os.Exit(exitCode(err))
	}
}

// usageError marks errors caused by the command line rather than the system.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func userErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &ue), errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrInvalidRecord):
		return exitUserError
	}
	return exitSysError
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	configDir, err := paths.ResolveConfigDir(flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	conf, err = loadConfig(configDir)
	if err != nil {
		return err
	}
	if flags.backend != "" {
		conf.Backend = flags.backend
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	conf.DataDir, err = paths.ResolveDataDir(flags.dataDir, conf.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), conf.LogLevel, conf.LogFormat)
	if err != nil {
		return usageError{err}
	}
	slog.SetDefault(logger)
	return nil
}

// openService builds the configured DocumentService. The caller closes it.
func openService() (types.DocumentService, error) {
	svc, err := docsync.New(conf.Config, docsync.WithLogger(slog.Default()))
	if err != nil {
		if errors.Is(err, types.ErrBackendUnknown) || errors.Is(err, types.ErrRemoteURLMissing) || errors.Is(err, types.ErrBackendEmpty) {
			return nil, usageError{err}
		}
		return nil, err
	}
	return svc, nil
}

// openDocument opens docID and waits for its data.
func openDocument(ctx context.Context, svc types.DocumentService, docID string) (types.DocumentRef, func(), error) {
	doc := svc.DocRef(docID, types.NewSchema(0))
	if !doc.Valid() {
		return nil, nil, userErrorf("document id is required")
	}
	release, err := docsync.WaitForData(ctx, svc, doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, release, nil
}
