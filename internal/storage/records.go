package storage

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Remote size limits. Local records may exceed them; syncing such a record
// is a conflict the user has to resolve.
const (
	MaxNoteLength  = 1500
	MaxTitleLength = 200
)

// Record is one logged interaction with an LLM service
type Record struct {
	// Locally generated until the relay assigns one. Provisional synced ids are negative.
	ID int64 `json:"id"`

	// Empty for purely local records
	AccountID string `json:"account_id,omitempty"`

	Model        string    `json:"model"`
	Note         string    `json:"note"`
	OutputTokens *int      `json:"output_tokens,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Conversation grouping: every turn of a conversation shares the id and title
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`

	// Set for records deliberately excluded from sync
	IsLocalOnly bool `json:"is_local_only,omitempty"`

	// Set when the remote row could not be decrypted
	DecryptionFailed bool `json:"-"`
}

// NewRecord builds a record stamped with the current time
func NewRecord(model, note string, outputTokens *int) Record {
	return Record{
		Model:        model,
		Note:         note,
		OutputTokens: outputTokens,
		Timestamp:    time.Now().UTC(),
	}
}

// NoteLength counts characters, not bytes
func (r Record) NoteLength() int {
	return utf8.RuneCountInString(r.Note)
}

// TitleLength counts characters, not bytes
func (r Record) TitleLength() int {
	return utf8.RuneCountInString(r.Title)
}

// FitsRemote reports whether the record can be stored by the relay as-is
func (r Record) FitsRemote() bool {
	return r.NoteLength() <= MaxNoteLength && r.TitleLength() <= MaxTitleLength
}

// InConversation reports whether the record is a turn of a grouped conversation
func (r Record) InConversation() bool {
	return r.ConversationID != ""
}

// NotePreview returns the first maxLength characters of the note
func (r Record) NotePreview(maxLength int) string {
	note := strings.ReplaceAll(r.Note, "\n", " ")
	if maxLength <= 0 || utf8.RuneCountInString(note) <= maxLength {
		return note
	}
	runes := []rune(note)
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}

// Clone returns a deep copy
func (r Record) Clone() Record {
	c := r
	if r.OutputTokens != nil {
		v := *r.OutputTokens
		c.OutputTokens = &v
	}
	return c
}

// Validate checks fields every record must carry
func (r Record) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be empty")
	}
	if r.OutputTokens != nil && *r.OutputTokens < 0 {
		return fmt.Errorf("output tokens cannot be negative")
	}
	if r.Title != "" && r.ConversationID == "" {
		return fmt.Errorf("a title needs a conversation id")
	}
	return nil
}

// CloneRecords deep-copies a record list; nil stays nil
func CloneRecords(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// IndexOfRecord returns the position of id in records or -1
func IndexOfRecord(records []Record, id int64) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// NextLocalID returns an id greater than every id in the given lists
func NextLocalID(lists ...[]Record) int64 {
	var max int64
	for _, list := range lists {
		for _, r := range list {
			if r.ID > max {
				max = r.ID
			}
		}
	}
	return max + 1
}

// IntPtr is a small helper for optional token counts
func IntPtr(v int) *int {
	return &v
}

// ModelConfig is one user-defined model price entry
type ModelConfig struct {
	Name            string  `json:"name"`
	InputCost       float64 `json:"input_cost"`
	OutputCost      float64 `json:"output_cost"`
	CachePricing    bool    `json:"cache_pricing"`
	CachedInputCost float64 `json:"cached_input_cost"`
}

// CloneModels copies a model list; nil stays nil
func CloneModels(models []ModelConfig) []ModelConfig {
	if models == nil {
		return nil
	}
	return append([]ModelConfig(nil), models...)
}

// ValidateModels checks name uniqueness. List length is bounded by the UI,
// not here.
func ValidateModels(models []ModelConfig) error {
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("model name cannot be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate model name %q", name)
		}
		seen[name] = true
	}
	return nil
}
