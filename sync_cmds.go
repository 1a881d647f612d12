package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/engine"
	"github.com/NeverVane/promptledger/internal/relay"
	"github.com/NeverVane/promptledger/internal/remote"
)

func syncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Manage end-to-end encrypted sync",
		Long: `Manage end-to-end encrypted sync.

Notes, token counts and titles are encrypted on this device with a key derived
from your password. The relay stores ciphertext, model names and timestamps.
Anyone with the account id and the password can read the account, so keep both
safe. There is no password recovery.`,
	}

	cmd.AddCommand(syncEnableCmd(a))
	cmd.AddCommand(syncLinkCmd(a))
	cmd.AddCommand(syncUnlinkCmd(a))
	cmd.AddCommand(syncStatusCmd(a))
	cmd.AddCommand(syncRefreshCmd(a))
	cmd.AddCommand(syncWatchCmd(a))
	cmd.AddCommand(syncDeleteAccountCmd(a))
	return cmd
}

func syncEnableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Create an account and upload the entries on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.open(ctx)
			if err != nil {
				return err
			}

			m, err := eng.PrepareMigration()
			if err != nil {
				return err
			}
			resolutions, err := resolveConflicts(a.formatter, m.Conflicts)
			if err != nil {
				return err
			}

			a.formatter.Info("Choose a password. It encrypts your notes and cannot be recovered.")
			password, err := promptForNewPassword()
			if err != nil {
				return err
			}

			accountID, err := eng.CompleteMigration(ctx, password, m, resolutions)
			if err != nil {
				return err
			}

			a.formatter.Done("Sync enabled, %d entries uploaded", len(eng.Snapshot().Records))
			a.formatter.Println("")
			a.formatter.Println("Account id: %s", accountID)
			a.formatter.Println("")
			a.formatter.Warning("Store the account id and password somewhere safe. Together they unlock every note.")
			a.formatter.Info("On another device run: pl sync link %s", accountID)
			return nil
		},
	}
}

func syncLinkCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "link ACCOUNT_ID",
		Short: "Link this device to an existing account",
		Long: `Link this device to an existing account. Entries already on this device are
not uploaded; they stay stored here and reappear if you unlink. Use
'pl export' and 'pl import' to move them into the account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.open(ctx)
			if err != nil {
				return err
			}
			if eng.Status() != engine.StatusUnlinked {
				return fmt.Errorf("this device is already linked; run 'pl sync unlink' first")
			}

			hasLocal, err := eng.HasLocalData(ctx)
			if err != nil {
				return err
			}
			if hasLocal && !force {
				a.formatter.Warning("This device has entries that will be hidden while it is linked")
				if !confirm("Link anyway?") {
					return errAborted
				}
			}

			password, err := promptForPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if err := eng.LinkDeviceWithKey(ctx, strings.TrimSpace(args[0]), password); err != nil {
				return err
			}

			snap := eng.Snapshot()
			a.formatter.Done("Linked, %d entries available", len(snap.Records))
			a.sessionHint()
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Do not ask about entries already on this device")
	return cmd
}

func syncUnlinkCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Stop syncing on this device and keep a local copy",
		Long: `Stop syncing on this device. The synced entries this device can read are
kept as local entries; the account itself is not touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.open(ctx)
			if err != nil {
				return err
			}
			if eng.Status() == engine.StatusUnlinked {
				a.formatter.Info("This device is not linked")
				return nil
			}
			if eng.Status() == engine.StatusLocked {
				a.formatter.Warning("This device is locked, so synced entries cannot be copied locally")
			}
			if !force && !confirm("Unlink this device?") {
				return errAborted
			}

			if err := eng.UnlinkDevice(ctx); err != nil {
				return err
			}
			a.formatter.Done("Unlinked, %d entries kept on this device", len(eng.Snapshot().Records))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Do not ask for confirmation")
	return cmd
}

func syncStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether this device syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			snap := eng.Snapshot()
			switch snap.Status {
			case engine.StatusUnlinked:
				a.formatter.AccountStatus("unlinked", "", 0, len(snap.Records)+len(snap.LocalOnly))
			case engine.StatusLocked:
				a.formatter.AccountStatus("locked", snap.AccountID, 0, len(snap.LocalOnly))
			default:
				a.formatter.AccountStatus("unlocked", snap.AccountID, len(snap.Records), len(snap.LocalOnly))
			}
			a.formatter.Println("Relay: %s", a.cfg.Sync.ServerURL)
			return nil
		},
	}
}

func syncRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the latest entries from the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			if err := eng.Refresh(cmd.Context()); err != nil {
				return err
			}
			if eng.Status() == engine.StatusUnlocked {
				a.formatter.Sync("%d entries", len(eng.Snapshot().Records))
			}
			return nil
		},
	}
}

func syncWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay unlocked and print changes made on other devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !a.cfg.Sync.Realtime {
				return fmt.Errorf("realtime updates are off; set sync.realtime = true")
			}
			eng, err := a.unlocked(ctx)
			if err != nil {
				return err
			}
			if eng.Status() != engine.StatusUnlocked {
				return engine.ErrNotLinked
			}

			var mu sync.Mutex
			last := len(eng.Snapshot().Records)
			eng.OnChange(func(s engine.Snapshot) {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case s.Status != engine.StatusUnlocked:
					a.formatter.Locked("No longer unlocked")
				case len(s.Records) != last:
					a.formatter.Sync("%d entries (%+d)", len(s.Records), len(s.Records)-last)
				default:
					a.formatter.Sync("Entries updated")
				}
				last = len(s.Records)
			})

			a.formatter.Info("Watching for changes, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

func syncDeleteAccountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-account",
		Short: "Delete the account and every synced entry on the relay",
		Long: `Delete the account and every synced entry on the relay. Other linked devices
are told to unlink. This device keeps a local copy of what it can read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.unlocked(ctx)
			if err != nil {
				return err
			}
			if eng.Status() == engine.StatusUnlinked {
				return engine.ErrNotLinked
			}

			a.formatter.Warning("This permanently deletes account %s on the relay", eng.AccountID())
			answer, err := promptLine("Type 'delete' to confirm: ")
			if err != nil {
				return err
			}
			if strings.TrimSpace(answer) != "delete" {
				return errAborted
			}

			if err := eng.DeleteAccount(ctx); err != nil {
				return err
			}
			a.formatter.Done("Account deleted")
			return nil
		},
	}
}

func unlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock synced entries with your password",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.open(ctx)
			if err != nil {
				return err
			}
			switch eng.Status() {
			case engine.StatusUnlinked:
				return engine.ErrNotLinked
			case engine.StatusUnlocked:
				a.formatter.Info("Already unlocked")
				return nil
			}

			password, err := promptForPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if err := eng.Unlock(ctx, password); err != nil {
				return err
			}
			a.formatter.Success("Unlocked, %d entries available", len(eng.Snapshot().Records))
			a.sessionHint()
			return nil
		},
	}
}

// sessionHint explains that a memory-scoped session ends with this process
func (a *app) sessionHint() {
	if a.cfg.Security.SessionScope != config.SessionScopeRuntime {
		a.formatter.Info("The session ends when this command exits; set security.session_scope = \"runtime\" to stay unlocked between commands")
	}
}

func lockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Forget the session key on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if eng.Status() == engine.StatusLocked {
				a.formatter.Info("Already locked")
				return nil
			}
			if err := eng.Lock(); err != nil {
				return err
			}
			a.formatter.Locked("Locked")
			return nil
		},
	}
}

func relayCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run an in-memory relay for local use and testing",
		Long: `Run a relay that keeps every account in memory. It speaks the same REST and
websocket protocol as a hosted relay and never sees plaintext. Everything is
lost when it stops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr == "" {
				addr = a.cfg.Relay.ListenAddr
			}
			server := relay.NewServer(remote.NewMemory(), &a.cfg.Relay)
			a.formatter.Info("Relay listening on %s", addr)
			return server.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "listen", "", "Address to listen on (default from relay.listen_addr)")
	return cmd
}
