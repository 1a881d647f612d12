package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeverVane/promptledger/internal/engine"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/history"
)

// maxModels is how many model entries the list editor offers. Lists that
// arrive from another device or an import are never trimmed.
const maxModels = 10

func addCmd(a *app) *cobra.Command {
	var (
		tokens       int
		local        bool
		conversation string
		title        string
		at           string
	)

	cmd := &cobra.Command{
		Use:   "add MODEL [NOTE...]",
		Short: "Log an interaction with a model",
		Long: `Log an interaction with a model. The note is optional.

On a linked device the entry is encrypted and sent to the relay; if that fails
the entry is removed again and nothing is half-saved. Use --local to keep an
entry on this device only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			draft := engine.Draft{
				Model:          args[0],
				Note:           strings.Join(args[1:], " "),
				ConversationID: conversation,
				Title:          title,
				LocalOnly:      local,
			}
			if cmd.Flags().Changed("tokens") {
				draft.OutputTokens = storage.IntPtr(tokens)
			}
			if title != "" && conversation == "" {
				return fmt.Errorf("--title needs --conversation")
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be an RFC 3339 timestamp: %w", err)
				}
				draft.Timestamp = ts
			}

			eng, err := a.open(ctx)
			if err != nil {
				return err
			}
			if !local && eng.Status() == engine.StatusLocked {
				if eng, err = a.unlocked(ctx); err != nil {
					return err
				}
			}

			record, err := eng.AddRecord(ctx, draft)
			if err != nil {
				return err
			}
			ref := engine.RefOf(record)
			if record.IsLocalOnly || eng.Status() == engine.StatusUnlinked {
				a.formatter.Success("Saved entry %s", ref)
			} else {
				a.formatter.Sync("Saved and synced entry %s", ref)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&tokens, "tokens", "t", 0, "Output tokens reported by the service")
	cmd.Flags().BoolVar(&local, "local", false, "Keep this entry on this device only")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Group the entry into a conversation")
	cmd.Flags().StringVar(&title, "title", "", "Conversation title (needs --conversation)")
	cmd.Flags().StringVar(&at, "at", "", "When the interaction happened (RFC 3339, default now)")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var (
		limit     int
		model     string
		localOnly bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List logged interactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.open(cmd.Context())
			if err != nil {
				return err
			}

			snap := eng.Snapshot()
			records := snap.All()
			if localOnly {
				records = snap.LocalOnly
			}
			if model != "" {
				filtered := records[:0:0]
				for _, r := range records {
					if strings.EqualFold(r.Model, model) {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			if snap.Status == engine.StatusLocked {
				a.formatter.Locked("Synced entries are hidden until you run 'pl unlock'")
			}
			a.formatter.Records(records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most N entries")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Only show entries for this model")
	cmd.Flags().BoolVar(&localOnly, "local", false, "Only show entries kept on this device")
	return cmd
}

func editCmd(a *app) *cobra.Command {
	var (
		model       string
		note        string
		title       string
		tokens      int
		clearTokens bool
	)

	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Change a logged interaction",
		Long: `Change a logged interaction. Ids come from 'pl list'; entries kept on this
device only have an L prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := engine.ParseRef(args[0])
			if err != nil {
				return err
			}

			var update engine.RecordUpdate
			if cmd.Flags().Changed("model") {
				update.Model = &model
			}
			if cmd.Flags().Changed("note") {
				update.Note = &note
			}
			if cmd.Flags().Changed("title") {
				update.Title = &title
			}
			if cmd.Flags().Changed("tokens") {
				update.OutputTokens = storage.IntPtr(tokens)
			}
			update.ClearTokens = clearTokens
			if update == (engine.RecordUpdate{}) {
				return fmt.Errorf("nothing to change; pass --model, --note, --title, --tokens or --clear-tokens")
			}

			eng, err := a.engineFor(cmd, ref.LocalOnly)
			if err != nil {
				return err
			}
			record, err := eng.UpdateRecord(cmd.Context(), ref, update)
			if err != nil {
				return err
			}
			a.formatter.Success("Updated entry %s", engine.RefOf(record))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "New model name")
	cmd.Flags().StringVar(&note, "note", "", "New note")
	cmd.Flags().StringVar(&title, "title", "", "New conversation title")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "New output token count")
	cmd.Flags().BoolVar(&clearTokens, "clear-tokens", false, "Remove the output token count")
	return cmd
}

func rmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID...",
		Aliases: []string{"delete"},
		Short:   "Delete logged interactions",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]engine.RecordRef, 0, len(args))
			remoteNeeded := false
			for _, arg := range args {
				ref, err := engine.ParseRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
				remoteNeeded = remoteNeeded || !ref.LocalOnly
			}

			eng, err := a.engineFor(cmd, !remoteNeeded)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if err := eng.DeleteRecord(cmd.Context(), ref); err != nil {
					return fmt.Errorf("entry %s: %w", ref, err)
				}
				a.formatter.Success("Deleted entry %s", ref)
			}
			return nil
		},
	}
}

// engineFor opens the engine and unlocks it unless the command only touches
// local-only entries
func (a *app) engineFor(cmd *cobra.Command, localOnly bool) (*engine.Engine, error) {
	if localOnly {
		return a.open(cmd.Context())
	}
	return a.unlocked(cmd.Context())
}

func modelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show and edit the model price list",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			a.formatter.Models(eng.Snapshot().Models)
			return nil
		},
	}
	cmd.AddCommand(modelsSetCmd(a))
	cmd.AddCommand(modelsRemoveCmd(a))
	return cmd
}

func modelsSetCmd(a *app) *cobra.Command {
	var (
		input  float64
		out    float64
		cached float64
	)

	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Add a model or change its prices (USD per million tokens)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}

			entry := storage.ModelConfig{Name: strings.TrimSpace(args[0]), InputCost: input, OutputCost: out}
			if cmd.Flags().Changed("cached") {
				entry.CachePricing = true
				entry.CachedInputCost = cached
			}

			models := storage.CloneModels(eng.Snapshot().Models)
			replaced := false
			for i := range models {
				if models[i].Name == entry.Name {
					models[i] = entry
					replaced = true
				}
			}
			if !replaced {
				if len(models) >= maxModels {
					return fmt.Errorf("at most %d models can be configured; remove one first", maxModels)
				}
				models = append(models, entry)
			}

			if err := eng.UpdateModels(cmd.Context(), models); err != nil {
				return err
			}
			a.formatter.Success("Saved model %s", entry.Name)
			return nil
		},
	}

	cmd.Flags().Float64Var(&input, "input", 0, "Input price")
	cmd.Flags().Float64Var(&out, "output", 0, "Output price")
	cmd.Flags().Float64Var(&cached, "cached", 0, "Cached input price")
	return cmd
}

func modelsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Remove a model from the price list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}

			current := eng.Snapshot().Models
			models := make([]storage.ModelConfig, 0, len(current))
			for _, m := range current {
				if m.Name != args[0] {
					models = append(models, m)
				}
			}
			if len(models) == len(current) {
				return fmt.Errorf("no model named %q", args[0])
			}

			if err := eng.UpdateModels(cmd.Context(), models); err != nil {
				return err
			}
			a.formatter.Success("Removed model %s", args[0])
			return nil
		},
	}
}

func exportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write every entry and the model list to a JSON document",
		Long: `Write every entry and the model list to a JSON document. Without FILE, or
with "-", the document goes to stdout. Entries that could not be decrypted are
left out.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.unlocked(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := eng.Export()
			if err != nil {
				return err
			}

			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			result, err := history.WriteFile(path, doc)
			if err != nil {
				return err
			}
			if result.OutputFile != "stdout" {
				a.formatter.Done("Exported %d entries and %d models to %s",
					result.ExportedRecords, result.ExportedModels, result.OutputFile)
			}
			return nil
		},
	}
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Add the entries of a JSON document",
		Long: `Add the entries of a JSON document written by 'pl export'. A document with a
non-empty model list replaces the current one. On a linked device, entries over
the relay's size limits must be shortened or kept on this device only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := history.ReadFile(args[0])
			if err != nil {
				return engine.FormatError("import", err)
			}

			eng, err := a.unlocked(ctx)
			if err != nil {
				return err
			}
			imp, err := eng.PrepareImport(doc)
			if err != nil {
				return err
			}
			resolutions, err := resolveConflicts(a.formatter, imp.Conflicts)
			if err != nil {
				return err
			}

			result, err := eng.CompleteImport(ctx, imp, resolutions)
			if err != nil {
				return err
			}
			a.formatter.Done("Imported %d entries", result.Imported+result.LocalOnly)
			if result.LocalOnly > 0 {
				a.formatter.Info("%d of them are kept on this device only", result.LocalOnly)
			}
			if result.ModelsReplaced {
				a.formatter.Info("Model list replaced")
			}
			return nil
		},
	}
}
