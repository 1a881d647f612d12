package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/engine"
	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/output"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/sentry"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
	"github.com/NeverVane/promptledger/pkg/security"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// app holds what every command needs. The engine is opened lazily so
// commands like `relay` and `version` never touch the local database.
type app struct {
	cfg       *config.Config
	formatter *output.Formatter
	log       *logger.Logger

	store  *storage.SQLiteStore
	engine *engine.Engine
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			if sentry.IsEnabled() {
				sentry.CaptureError(fmt.Errorf("panic: %v", r), "main", "panic_recovery")
				sentry.Flush(2 * time.Second)
			}
			fmt.Fprintf(os.Stderr, "promptledger encountered a fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "pl",
		Short: "promptledger - a local-first log of your LLM interactions",
		Long: `promptledger keeps short notes about your interactions with LLM services:
which model you used, what you asked, how many output tokens it cost.

Everything is stored locally. Sync is optional: it encrypts every note on
this device before it reaches the relay, so the relay only ever stores
ciphertext. The account id and password are the only way back in.

Get started:
  pl add gpt-4o "asked for a regex that matches ISO dates"
  pl list
  pl sync enable              Start syncing across devices
  pl sync link ACCOUNT_ID     Link another device`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().Bool("quiet", false, "Only print errors")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.config/promptledger/config.toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(addCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(editCmd(a))
	rootCmd.AddCommand(rmCmd(a))
	rootCmd.AddCommand(modelsCmd(a))
	rootCmd.AddCommand(syncCmd(a))
	rootCmd.AddCommand(unlockCmd(a))
	rootCmd.AddCommand(lockCmd(a))
	rootCmd.AddCommand(exportCmd(a))
	rootCmd.AddCommand(importCmd(a))
	rootCmd.AddCommand(relayCmd(a))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		if a.formatter != nil {
			a.formatter.Error("%s", describeError(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	_ = a.close()
	if sentry.IsEnabled() {
		sentry.Flush(2 * time.Second)
		sentry.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and the ambient stack. It runs before every
// command.
func (a *app) setup(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")

	logCfg := cfg.Log
	if verbose {
		logCfg.Level = "debug"
	}
	if err := logger.Init(&logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := sentry.Initialize(cfg, version, commit); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize error monitoring: %v\n", err)
	}
	if hook := sentry.GetManager().Hook(); hook != nil {
		logger.AddHook(hook)
	}

	a.log = logger.GetLogger().WithComponent("cli")
	a.formatter = output.NewFormatter(cfg)
	a.formatter.SetFlags(quiet, noColor)
	return nil
}

// open builds the engine over the local database. A linked device whose
// session scope still holds a secret comes back unlocked.
func (a *app) open(ctx context.Context) (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg := a.cfg

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	dirs := []string{filepath.Dir(cfg.Storage.Path)}
	files := []string{cfg.Storage.Path}
	if cfg.Security.SessionScope == config.SessionScopeRuntime {
		dirs = append(dirs, filepath.Dir(cfg.Security.SessionPath))
		files = append(files, cfg.Security.SessionPath)
	}
	if err := security.NewPermissionEnforcer().SecureDataEnvironment(dirs, files); err != nil {
		a.log.Warn().Err(err).Msg("Could not tighten data permissions")
	}

	store, err := storage.OpenSQLiteStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.store = store

	var sessions storage.Store = storage.NewMemoryStore()
	if cfg.Security.SessionScope == config.SessionScopeRuntime {
		sessions = storage.NewFileSessionStore(cfg.Security.SessionPath, cfg.GetSessionTimeout())
	}

	client := remote.NewHTTPClient(cfg)
	var broadcaster remote.Broadcaster
	if cfg.Sync.Realtime {
		deviceID, err := store.DeviceID(ctx)
		if err != nil {
			return nil, err
		}
		minBackoff, maxBackoff := cfg.GetReconnectBounds()
		broadcaster = remote.NewWSBroadcaster(client, deviceID, minBackoff, maxBackoff)
	}

	eng, err := engine.New(ctx, engine.Options{
		Store:        store,
		SessionStore: sessions,
		Client:       client,
		Broadcaster:  broadcaster,
		KeyService:   crypto.NewKeyServiceWithIterations(cfg.Security.KDFIterations),
		Reporter:     sentry.WithComponent("sync"),
	})
	if err != nil {
		return nil, err
	}
	a.engine = eng

	eng.OnNotice(func(n engine.Notice) {
		a.formatter.Warning("%s", n.Message)
		if n.Err != nil {
			a.log.Debug().Err(n.Err).Str("notice", string(n.Kind)).Msg("Engine notice")
		}
	})

	if eng.Status() == engine.StatusLocked {
		if _, err := eng.Restore(ctx); err != nil {
			a.log.Debug().Err(err).Msg("Stored session could not be restored")
		}
	}
	return eng, nil
}

// unlocked returns an engine that is ready for remote work, prompting for
// the password when the device is linked but locked
func (a *app) unlocked(ctx context.Context) (*engine.Engine, error) {
	eng, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	if eng.Status() != engine.StatusLocked {
		return eng, nil
	}

	a.formatter.Locked("This device is locked")
	password, err := promptForPassword("Password: ")
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if err := eng.Unlock(ctx, password); err != nil {
		return nil, err
	}
	return eng, nil
}

func (a *app) close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
		a.engine = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// describeError turns engine errors into a line a user can act on
func describeError(err error) string {
	if engine.IsPartial(err) {
		return "Only part of the change was saved: " + err.Error()
	}
	switch engine.KindOf(err) {
	case engine.KindInvalidCredentials:
		return "Wrong password for this account"
	case engine.KindAppLocked:
		return "This device is locked. Run 'pl unlock' first"
	case engine.KindNotLinked:
		return "Sync is off on this device. Run 'pl sync enable' or 'pl sync link'"
	case engine.KindAccountUnreachable:
		return "Could not reach the relay: " + err.Error()
	case engine.KindRecordNotFound:
		return "No entry with that id. Run 'pl list' to see ids"
	case engine.KindInvalidFormat:
		return "The file is not a valid export: " + err.Error()
	case engine.KindConflictsPending:
		return "Some entries exceed the sync limits and still need a decision"
	case engine.KindSyncFailed, engine.KindAuthRejected:
		return "The change was not saved remotely and has been undone: " + err.Error()
	}
	return err.Error()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("promptledger %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
			return nil
		},
	}
}
