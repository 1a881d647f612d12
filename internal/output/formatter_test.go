package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/storage"
)

func plainFormatter() (*Formatter, *bytes.Buffer, *bytes.Buffer) {
	cfg := config.DefaultConfig()
	cfg.Output.ColorsEnabled = false
	var out, errOut bytes.Buffer
	return NewFormatterTo(cfg, &out, &errOut), &out, &errOut
}

func TestFormatter_StatusLines(t *testing.T) {
	f, out, errOut := plainFormatter()

	f.Success("saved %d", 2)
	f.Locked("locked")
	f.Error("boom")

	assert.Equal(t, "[OK] saved 2\n[LOCKED] locked\n", out.String())
	assert.Equal(t, "[FAIL] boom\n", errOut.String())
}

func TestFormatter_Quiet(t *testing.T) {
	f, out, errOut := plainFormatter()
	f.SetFlags(true, true)

	f.Success("hidden")
	f.Records([]storage.Record{{ID: 1, Model: "m"}})
	f.Error("shown")

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "shown")
	assert.True(t, f.IsQuiet())
}

func TestFormatter_Records(t *testing.T) {
	f, out, _ := plainFormatter()
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	f.Records([]storage.Record{
		{ID: 12, Model: "gpt-4o", Note: "line one\nline two", OutputTokens: storage.IntPtr(300), Timestamp: ts},
		{ID: 3, Model: "llama", Note: "private", Timestamp: ts, IsLocalOnly: true, Title: "Plan"},
		{ID: -1, Model: "claude", Note: "sending", Timestamp: ts},
	})

	got := out.String()
	assert.Contains(t, got, "MODEL")
	assert.Contains(t, got, "12")
	assert.Contains(t, got, "line one line two")
	assert.Contains(t, got, "300")
	assert.Contains(t, got, "L3")
	assert.Contains(t, got, "[Plan] private")
	assert.Contains(t, got, "pending")
}

func TestFormatter_EmptyLists(t *testing.T) {
	f, out, _ := plainFormatter()
	f.Records(nil)
	f.Models(nil)
	assert.Equal(t, "[INFO] No entries\n[INFO] No models configured\n", out.String())
}

func TestFormatter_Models(t *testing.T) {
	f, out, _ := plainFormatter()
	f.Models([]storage.ModelConfig{{Name: "gpt-4o", InputCost: 2.5, OutputCost: 10}})
	assert.Contains(t, out.String(), "gpt-4o")
	assert.Contains(t, out.String(), "2.5")
}

func TestFormatter_ConflictAndStatus(t *testing.T) {
	f, out, _ := plainFormatter()

	f.Conflict(1, 2, &conflict.TitleConflict{ConversationID: "c", Title: "T", Length: 250, RecordIDs: []int64{1, 2}})
	f.AccountStatus("unlocked", "3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b", 4, 1)
	f.AccountStatus("locked", "3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b", 0, 0)
	f.AccountStatus("unlinked", "", 0, 5)

	got := out.String()
	assert.Contains(t, got, "[WARN] Conflict 1/2: conversation title")
	assert.Contains(t, got, "[SYNC] Linked to account 3f2b8c1e: 4 synced, 1 local-only")
	assert.NotContains(t, got, "9a4d")
	assert.Contains(t, got, "[LOCKED] Linked to account 3f2b8c1e, locked")
	assert.Contains(t, got, "[INFO] Sync is off: 5 local entries")
}

func TestColorFormatter_Disabled(t *testing.T) {
	cf := NewColorFormatter(&config.OutputConfig{ColorsEnabled: false})
	assert.False(t, cf.IsEnabled())
	assert.Equal(t, "x", cf.Colorize("x", StatusError))
	assert.Equal(t, "x", cf.Bold("x"))
	assert.Equal(t, "[DONE] ok", cf.Status(StatusDone, "ok"))
	assert.Equal(t, "plain", cf.Status(StatusMuted, "plain"))
}

func TestColorFormatter_NoColorFlag(t *testing.T) {
	cf := NewColorFormatter(&config.OutputConfig{ColorsEnabled: true, AutoDetectTTY: false})
	t.Setenv("NO_COLOR", "")
	cf.SetNoColor(true)
	assert.False(t, cf.IsEnabled())
	cf.SetNoColor(false)
	assert.True(t, cf.IsEnabled())
}
