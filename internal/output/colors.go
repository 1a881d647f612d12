package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/NeverVane/promptledger/internal/config"
)

// StatusType represents different types of CLI output status
type StatusType string

const (
	StatusSuccess StatusType = "success"
	StatusError   StatusType = "error"
	StatusWarning StatusType = "warning"
	StatusInfo    StatusType = "info"
	StatusSync    StatusType = "sync"
	StatusLocked  StatusType = "locked"
	StatusDone    StatusType = "done"
	StatusMuted   StatusType = "muted"
)

var indicators = map[StatusType]string{
	StatusSuccess: "[OK]",
	StatusError:   "[FAIL]",
	StatusWarning: "[WARN]",
	StatusInfo:    "[INFO]",
	StatusSync:    "[SYNC]",
	StatusLocked:  "[LOCKED]",
	StatusDone:    "[DONE]",
}

// ColorFormatter renders status indicators and table cells with lipgloss
type ColorFormatter struct {
	enabled bool
	isTTY   bool
	cfg     config.OutputConfig
	styles  map[StatusType]lipgloss.Style
	bold    lipgloss.Style
}

// NewColorFormatter creates a new color formatter with the given configuration
func NewColorFormatter(cfg *config.OutputConfig) *ColorFormatter {
	cf := &ColorFormatter{
		cfg:   *cfg,
		isTTY: term.IsTerminal(int(os.Stdout.Fd())),
	}
	cf.enabled = cfg.ColorsEnabled && (!cfg.AutoDetectTTY || cf.isTTY)

	// NO_COLOR standard
	if os.Getenv("NO_COLOR") != "" {
		cf.enabled = false
	}

	cf.loadStyles()
	return cf
}

// SetNoColor disables color output (for --no-color flag)
func (cf *ColorFormatter) SetNoColor(noColor bool) {
	cf.enabled = cf.cfg.ColorsEnabled && !noColor && (!cf.cfg.AutoDetectTTY || cf.isTTY)
	cf.loadStyles()
}

func (cf *ColorFormatter) loadStyles() {
	cf.styles = make(map[StatusType]lipgloss.Style)
	cf.bold = lipgloss.NewStyle()
	if !cf.enabled {
		return
	}

	palette := map[StatusType]lipgloss.AdaptiveColor{
		StatusSuccess: {Light: "#008700", Dark: "#5FD75F"},
		StatusError:   {Light: "#D70000", Dark: "#FF5F5F"},
		StatusWarning: {Light: "#AF5F00", Dark: "#FFAF00"},
		StatusInfo:    {Light: "#005FAF", Dark: "#5FAFFF"},
		StatusSync:    {Light: "#005FAF", Dark: "#5FAFFF"},
		StatusLocked:  {Light: "#870087", Dark: "#D787FF"},
		StatusDone:    {Light: "#008700", Dark: "#5FD75F"},
		StatusMuted:   {Light: "#6C6C6C", Dark: "#8A8A8A"},
	}
	for status, color := range palette {
		cf.styles[status] = lipgloss.NewStyle().Foreground(color)
	}
	cf.styles[StatusError] = cf.styles[StatusError].Bold(true)
	cf.bold = lipgloss.NewStyle().Bold(true)
}

// Status formats a message with its colored indicator
func (cf *ColorFormatter) Status(status StatusType, message string) string {
	indicator, ok := indicators[status]
	if !ok {
		return message
	}
	return cf.Colorize(indicator, status) + " " + message
}

// Colorize applies color to text based on status type
func (cf *ColorFormatter) Colorize(text string, status StatusType) string {
	style, ok := cf.styles[status]
	if !ok {
		return text
	}
	return style.Render(text)
}

// Bold makes text bold (if colors are enabled)
func (cf *ColorFormatter) Bold(text string) string {
	if !cf.enabled {
		return text
	}
	return cf.bold.Render(text)
}

// IsEnabled returns whether colors are currently enabled
func (cf *ColorFormatter) IsEnabled() bool {
	return cf.enabled
}
