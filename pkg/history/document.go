// Package history is the portable document format: a model list and a
// plaintext record list, with no identifiers and no encryption.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/NeverVane/promptledger/internal/storage"
)

// CurrentVersion is written into every exported document
const CurrentVersion = "1.0.0"

// supportedVersions accepts any 1.x document
const supportedVersions = "^1"

var ErrInvalidFormat = errors.New("invalid document format")

// Document is the decoded portable document
type Document struct {
	Version string
	Models  []storage.ModelConfig
	Prompts []Prompt
}

// Prompt is one exported record
type Prompt struct {
	Model          string
	Note           string
	OutputTokens   *int
	Timestamp      time.Time
	ConversationID string
	Title          string
}

type wireDocument struct {
	Version string                `json:"version"`
	Models  []storage.ModelConfig `json:"models"`
	Prompts []wirePrompt          `json:"prompts"`
}

type wirePrompt struct {
	Model          string `json:"model"`
	Note           string `json:"note"`
	OutputTokens   *int   `json:"output_tokens"`
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`
}

// ISO-8601 layouts accepted on import, most specific first
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FromRecords builds a document from the visible data set
func FromRecords(models []storage.ModelConfig, records []storage.Record) *Document {
	doc := &Document{
		Version: CurrentVersion,
		Models:  storage.CloneModels(models),
		Prompts: make([]Prompt, 0, len(records)),
	}
	if doc.Models == nil {
		doc.Models = []storage.ModelConfig{}
	}
	for _, r := range records {
		r = r.Clone()
		doc.Prompts = append(doc.Prompts, Prompt{
			Model:          r.Model,
			Note:           r.Note,
			OutputTokens:   r.OutputTokens,
			Timestamp:      r.Timestamp,
			ConversationID: r.ConversationID,
			Title:          r.Title,
		})
	}
	return doc
}

// Records converts the document's prompts to records without ids
func (d *Document) Records() []storage.Record {
	records := make([]storage.Record, 0, len(d.Prompts))
	for _, p := range d.Prompts {
		r := storage.Record{
			Model:          p.Model,
			Note:           p.Note,
			Timestamp:      p.Timestamp,
			ConversationID: p.ConversationID,
			Title:          p.Title,
		}
		if p.OutputTokens != nil {
			r.OutputTokens = storage.IntPtr(*p.OutputTokens)
		}
		records = append(records, r)
	}
	return records
}

// Validate applies the checks Decode makes to a document built in memory
func (d *Document) Validate() error {
	if err := storage.ValidateModels(d.Models); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	for i, r := range d.Records() {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: prompt %d: %v", ErrInvalidFormat, i, err)
		}
	}
	return nil
}

// Encode renders the document as indented JSON
func Encode(doc *Document) ([]byte, error) {
	wire := wireDocument{
		Version: doc.Version,
		Models:  doc.Models,
		Prompts: make([]wirePrompt, 0, len(doc.Prompts)),
	}
	if wire.Version == "" {
		wire.Version = CurrentVersion
	}
	if wire.Models == nil {
		wire.Models = []storage.ModelConfig{}
	}
	for _, p := range doc.Prompts {
		wire.Prompts = append(wire.Prompts, wirePrompt{
			Model:          p.Model,
			Note:           p.Note,
			OutputTokens:   p.OutputTokens,
			Timestamp:      p.Timestamp.UTC().Format(time.RFC3339Nano),
			ConversationID: p.ConversationID,
			Title:          p.Title,
		})
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a document. The two top-level lists are
// checked for presence and array type before anything else is decoded.
func Decode(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidFormat)
	}
	for _, field := range []string{"models", "prompts"} {
		raw, ok := top[field]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidFormat, field)
		}
		if !isArray(raw) {
			return nil, fmt.Errorf("%w: %q must be an array", ErrInvalidFormat, field)
		}
	}

	version, err := checkVersion(top["version"])
	if err != nil {
		return nil, err
	}

	var wire wireDocument
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	doc := &Document{
		Version: version,
		Models:  wire.Models,
		Prompts: make([]Prompt, 0, len(wire.Prompts)),
	}
	if doc.Models == nil {
		doc.Models = []storage.ModelConfig{}
	}
	if err := storage.ValidateModels(doc.Models); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	for i, wp := range wire.Prompts {
		p, err := decodePrompt(wp)
		if err != nil {
			return nil, fmt.Errorf("%w: prompt %d: %v", ErrInvalidFormat, i, err)
		}
		doc.Prompts = append(doc.Prompts, p)
	}

	return doc, nil
}

func decodePrompt(wp wirePrompt) (Prompt, error) {
	if strings.TrimSpace(wp.Model) == "" {
		return Prompt{}, fmt.Errorf("model is required")
	}
	if wp.OutputTokens != nil && *wp.OutputTokens < 0 {
		return Prompt{}, fmt.Errorf("output_tokens cannot be negative")
	}
	ts, err := parseTimestamp(wp.Timestamp)
	if err != nil {
		return Prompt{}, err
	}
	if wp.Title != "" && wp.ConversationID == "" {
		return Prompt{}, fmt.Errorf("title requires conversation_id")
	}
	return Prompt{
		Model:          wp.Model,
		Note:           wp.Note,
		OutputTokens:   wp.OutputTokens,
		Timestamp:      ts,
		ConversationID: wp.ConversationID,
		Title:          wp.Title,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", s)
}

// checkVersion accepts a missing version as the current one
func checkVersion(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return CurrentVersion, nil
	}

	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return "", fmt.Errorf("%w: version must be a string", ErrInvalidFormat)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("%w: invalid version %q", ErrInvalidFormat, version)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return "", fmt.Errorf("invalid version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return "", fmt.Errorf("%w: unsupported version %s", ErrInvalidFormat, v)
	}
	return v.String(), nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
