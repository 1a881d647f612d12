package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/storage"
)

const notePreviewLength = 48

// Formatter provides a high-level interface for CLI output formatting
type Formatter struct {
	colors     *ColorFormatter
	out        io.Writer
	errOut     io.Writer
	timeFormat string
	quiet      bool
}

// NewFormatter creates a new formatter instance from config
func NewFormatter(cfg *config.Config) *Formatter {
	return NewFormatterTo(cfg, os.Stdout, os.Stderr)
}

// NewFormatterTo writes to the given streams instead of stdout and stderr
func NewFormatterTo(cfg *config.Config, out, errOut io.Writer) *Formatter {
	timeFormat := cfg.Output.TimeFormat
	if timeFormat == "" {
		timeFormat = "2006-01-02 15:04"
	}
	return &Formatter{
		colors:     NewColorFormatter(&cfg.Output),
		out:        out,
		errOut:     errOut,
		timeFormat: timeFormat,
	}
}

// SetFlags configures the formatter based on command line flags
func (f *Formatter) SetFlags(quiet, noColor bool) {
	f.quiet = quiet
	f.colors.SetNoColor(noColor)
}

func (f *Formatter) status(status StatusType, format string, args ...interface{}) {
	if f.quiet {
		return
	}
	fmt.Fprintln(f.out, f.colors.Status(status, fmt.Sprintf(format, args...)))
}

func (f *Formatter) Success(format string, args ...interface{}) {
	f.status(StatusSuccess, format, args...)
}

// Error prints an error message (always shown)
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintln(f.errOut, f.colors.Status(StatusError, fmt.Sprintf(format, args...)))
}

func (f *Formatter) Warning(format string, args ...interface{}) {
	f.status(StatusWarning, format, args...)
}

func (f *Formatter) Info(format string, args ...interface{}) {
	f.status(StatusInfo, format, args...)
}

func (f *Formatter) Sync(format string, args ...interface{}) {
	f.status(StatusSync, format, args...)
}

func (f *Formatter) Locked(format string, args ...interface{}) {
	f.status(StatusLocked, format, args...)
}

func (f *Formatter) Done(format string, args ...interface{}) {
	f.status(StatusDone, format, args...)
}

// Println prints a plain message with newline
func (f *Formatter) Println(format string, args ...interface{}) {
	if !f.quiet {
		fmt.Fprintf(f.out, format+"\n", args...)
	}
}

// Header prints a formatted section header
func (f *Formatter) Header(title string) {
	if f.quiet {
		return
	}
	fmt.Fprintln(f.out, f.colors.Bold(title))
	fmt.Fprintln(f.out, strings.Repeat("=", lipgloss.Width(title)))
}

// Records prints records as a table, newest first as given. Local-only
// records carry an L prefix on their id so they can be addressed.
func (f *Formatter) Records(records []storage.Record) {
	if f.quiet {
		return
	}
	if len(records) == 0 {
		f.Info("No entries")
		return
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, f.recordRow(r))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.styleFor(StatusMuted)).
		Headers("ID", "TIME", "MODEL", "TOKENS", "NOTE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Inherit(f.boldStyle())
			}
			if row >= 0 && row < len(records) && records[row].DecryptionFailed {
				return style.Inherit(f.styleFor(StatusError))
			}
			return style
		})

	fmt.Fprintln(f.out, t.Render())
}

func (f *Formatter) recordRow(r storage.Record) []string {
	id := strconv.FormatInt(r.ID, 10)
	switch {
	case r.IsLocalOnly:
		id = "L" + id
	case r.ID < 0:
		id = "pending"
	}

	tokens := "-"
	if r.OutputTokens != nil {
		tokens = strconv.Itoa(*r.OutputTokens)
	}

	note := r.NotePreview(notePreviewLength)
	if r.Title != "" {
		note = "[" + storage.Record{Note: r.Title}.NotePreview(20) + "] " + note
	}

	return []string{id, r.Timestamp.Local().Format(f.timeFormat), r.Model, tokens, note}
}

// Models prints the configured model list
func (f *Formatter) Models(models []storage.ModelConfig) {
	if f.quiet {
		return
	}
	if len(models) == 0 {
		f.Info("No models configured")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.styleFor(StatusMuted)).
		Headers("MODEL", "INPUT $/M", "OUTPUT $/M")
	for _, m := range models {
		t.Row(m.Name, strconv.FormatFloat(m.InputCost, 'f', -1, 64), strconv.FormatFloat(m.OutputCost, 'f', -1, 64))
	}
	fmt.Fprintln(f.out, t.Render())
}

// Conflict prints one pending conflict for an interactive prompt
func (f *Formatter) Conflict(index, total int, c conflict.Conflict) {
	label := fmt.Sprintf("Conflict %d/%d", index, total)
	fmt.Fprintln(f.out, f.colors.Status(StatusWarning, f.colors.Bold(label)+": "+conflict.Describe(c)))
}

// AccountStatus prints the sync state line used by `sync status`
func (f *Formatter) AccountStatus(status, accountID string, synced, localOnly int) {
	switch status {
	case "unlinked":
		f.Info("Sync is off: %d local entries", localOnly)
	case "locked":
		f.Locked("Linked to account %s, locked", shortID(accountID))
	default:
		f.Sync("Linked to account %s: %d synced, %d local-only", shortID(accountID), synced, localOnly)
	}
}

func (f *Formatter) styleFor(status StatusType) lipgloss.Style {
	if style, ok := f.colors.styles[status]; ok {
		return style
	}
	return lipgloss.NewStyle()
}

func (f *Formatter) boldStyle() lipgloss.Style {
	return f.colors.bold
}

// IsQuiet returns whether quiet mode is active
func (f *Formatter) IsQuiet() bool {
	return f.quiet
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
