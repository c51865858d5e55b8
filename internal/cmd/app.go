package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/draftsmith/internal/audit"
	"github.com/Iron-Ham/draftsmith/internal/catalog"
	"github.com/Iron-Ham/draftsmith/internal/config"
	"github.com/Iron-Ham/draftsmith/internal/event"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/policy"
	"github.com/Iron-Ham/draftsmith/internal/logging"
	"github.com/Iron-Ham/draftsmith/internal/provider"
	"github.com/Iron-Ham/draftsmith/internal/session"
	"github.com/Iron-Ham/draftsmith/internal/store/sqlite"
	"github.com/Iron-Ham/draftsmith/internal/studio"
)

// app holds everything one command invocation needs.
type app struct {
	cfg     *config.Config
	dataDir string
	logger  *logging.Logger
	bus     *event.Bus
	catalog *catalog.Catalog
	channel provider.Channel
	studio  *studio.Service

	closers []io.Closer
}

// newApp builds the runtime from the loaded configuration.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(cfg, cmd.ErrOrStderr())
}

func buildApp(cfg *config.Config, stderr io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, dataDir: cfg.Storage.ResolveDataDir()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.logger, err = newLogger(cfg, a.dataDir, stderr); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.logger)
	a.bus = event.NewBus(event.WithLogger(a.logger))

	var catalogErr error
	a.catalog, catalogErr = catalog.Open(cfg.Catalog.ResolveDir(), catalog.WithLogger(a.logger))
	if catalogErr != nil {
		// Broken descriptor files are skipped; the rest stays usable.
		a.logger.Warn("catalog loaded with errors", "error", catalogErr.Error())
	}

	a.channel, err = provider.NewChannel(provider.Settings{
		Name:       provider.Name(cfg.Provider.Name),
		Model:      cfg.Provider.Model,
		BaseURL:    cfg.Provider.BaseURL,
		APIKeyEnv:  cfg.Provider.APIKeyEnv,
		MaxRetries: cfg.Provider.MaxRetries,
		Timeout:    cfg.Provider.Timeout(),
	})
	if err != nil {
		return nil, err
	}

	var db *sqlite.Store
	if cfg.Storage.Backend == "sqlite" || cfg.Audit.Backend == "sqlite" {
		if db, err = sqlite.Open(cfg.Storage.ResolveSQLitePath()); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
	}

	var store session.SnapshotStore
	if cfg.Storage.Backend == "sqlite" {
		store = db
	} else if store, err = session.NewFileStore(a.dataDir); err != nil {
		return nil, err
	}

	recorders := []iteration.AuditRecorder{}
	switch cfg.Audit.Backend {
	case "jsonl":
		jsonl, err := audit.NewJSONL(audit.DefaultDir(a.dataDir))
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, jsonl)
	case "sqlite":
		recorders = append(recorders, db)
	}
	recorders = append(recorders, audit.NewBusRecorder(a.bus))

	executor := provider.NewExecutor(a.channel, provider.WithStepTimeout(cfg.Provider.Timeout()))
	a.studio = studio.New(executor, store, a.catalog,
		studio.WithPolicy(policy.New(cfg.Limits.PolicyLimits())),
		studio.WithRecorder(audit.NewMulti(recorders...)),
		studio.WithLocker(session.NewLocker(a.dataDir, a.logger)),
		studio.WithLogger(a.logger),
	)
	return a, nil
}

func newLogger(cfg *config.Config, dataDir string, stderr io.Writer) (*logging.Logger, error) {
	opts := logging.Options{
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	}
	if cfg.Logging.Enabled {
		opts.Dir = cfg.Logging.LogDir(dataDir)
	}
	if cfg.Logging.Console {
		opts.Console = stderr
	}
	logger, err := logging.NewLoggerWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

// Close releases the database and log file.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp runs fn with a freshly built app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

// stdoutIsTerminal reports whether the command writes to an interactive
// terminal. Piped output gets plain markdown documents.
func stdoutIsTerminal(cmd *cobra.Command) bool {
	return cmd.OutOrStdout() == os.Stdout && logging.IsTerminal(os.Stdout)
}
