// Package conflict finds records that are valid locally but would break the
// relay's size limits, and applies the user's per-conflict resolutions
// before a migration or import commits.
package conflict

import (
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/NeverVane/promptledger/internal/storage"
)

var (
	ErrConflictsPending = errors.New("conflicts pending")
	ErrEditTooLong      = errors.New("edited content exceeds the limit")
	ErrUnknownAction    = errors.New("unknown resolution action")
)

// Kind discriminates the conflict variants
type Kind string

const (
	KindNoteTooLong  Kind = "note_too_long"
	KindTitleTooLong Kind = "title_too_long"
)

// previewLength bounds the context shown to a user
const previewLength = 60

// Conflict is either a *NoteConflict or a *TitleConflict
type Conflict interface {
	Kind() Kind
	// Key identifies the conflict in a resolution map
	Key() string
	// Limit is the character limit the content must fit
	Limit() int
	isConflict()
}

// NoteConflict is one record whose note is over the limit
type NoteConflict struct {
	RecordID       int64
	Model          string
	Note           string
	Length         int
	Timestamp      time.Time
	ConversationID string
	// Shortened title for context, empty for plain turns
	TitlePreview string
}

func (c *NoteConflict) Kind() Kind  { return KindNoteTooLong }
func (c *NoteConflict) Key() string { return "note:" + strconv.FormatInt(c.RecordID, 10) }
func (c *NoteConflict) Limit() int  { return storage.MaxNoteLength }
func (*NoteConflict) isConflict()   {}

// TitleConflict is a conversation with a title over the limit. It covers
// every record of the conversation and carries the longest title among them.
// A record outside any conversation gets its own TitleConflict with an empty
// ConversationID.
type TitleConflict struct {
	ConversationID string
	RecordIDs      []int64
	Title          string
	Length         int
	Timestamp      time.Time
}

func (c *TitleConflict) Kind() Kind { return KindTitleTooLong }

func (c *TitleConflict) Key() string {
	if c.ConversationID == "" && len(c.RecordIDs) > 0 {
		return "title:record:" + strconv.FormatInt(c.RecordIDs[0], 10)
	}
	return "title:" + c.ConversationID
}

func (c *TitleConflict) Limit() int  { return storage.MaxTitleLength }
func (*TitleConflict) isConflict()   {}

// Action is what the user chose for one conflict
type Action string

const (
	ActionEdit      Action = "edit"
	ActionKeepLocal Action = "keep_local"
)

// Resolution answers one conflict. Content is the replacement for ActionEdit.
type Resolution struct {
	Action  Action
	Content string
}

// Edit builds an edit resolution
func Edit(content string) Resolution {
	return Resolution{Action: ActionEdit, Content: content}
}

// KeepLocal builds a keep-local resolution
func KeepLocal() Resolution {
	return Resolution{Action: ActionKeepLocal}
}

// Plan is the outcome of resolving: what goes to the relay and what stays
// on this device only. Every input record is in exactly one of the two.
type Plan struct {
	Sync      []storage.Record
	LocalOnly []storage.Record
}

// Detect returns every conflict in records, in input order. A conversation
// yields exactly one TitleConflict if any of its records has an oversized
// title, placed where the conversation first appears; each oversized note
// yields one NoteConflict.
func Detect(records []storage.Record) []Conflict {
	titles := make(map[string]*TitleConflict)
	for _, r := range records {
		if !r.InConversation() {
			continue
		}
		tc, ok := titles[r.ConversationID]
		if !ok {
			tc = &TitleConflict{ConversationID: r.ConversationID}
			titles[r.ConversationID] = tc
		}
		tc.RecordIDs = append(tc.RecordIDs, r.ID)
		if n := r.TitleLength(); n > tc.Length {
			tc.Title = r.Title
			tc.Length = n
			tc.Timestamp = r.Timestamp
		}
	}

	var conflicts []Conflict
	emitted := make(map[string]bool)
	for _, r := range records {
		switch {
		case r.InConversation():
			tc := titles[r.ConversationID]
			if !emitted[r.ConversationID] && tc.Length > storage.MaxTitleLength {
				conflicts = append(conflicts, tc)
			}
			emitted[r.ConversationID] = true
		case r.TitleLength() > storage.MaxTitleLength:
			conflicts = append(conflicts, &TitleConflict{
				RecordIDs: []int64{r.ID},
				Title:     r.Title,
				Length:    r.TitleLength(),
				Timestamp: r.Timestamp,
			})
		}

		if r.NoteLength() > storage.MaxNoteLength {
			conflicts = append(conflicts, &NoteConflict{
				RecordID:       r.ID,
				Model:          r.Model,
				Note:           r.Note,
				Length:         r.NoteLength(),
				Timestamp:      r.Timestamp,
				ConversationID: r.ConversationID,
				TitlePreview:   preview(r.Title),
			})
		}
	}

	return conflicts
}

// Pending returns the conflicts that have no resolution yet
func Pending(conflicts []Conflict, resolutions map[string]Resolution) []Conflict {
	var pending []Conflict
	for _, c := range conflicts {
		if _, ok := resolutions[c.Key()]; !ok {
			pending = append(pending, c)
		}
	}
	return pending
}

// Validate checks one resolution against its conflict
func Validate(c Conflict, res Resolution) error {
	switch res.Action {
	case ActionKeepLocal:
		return nil
	case ActionEdit:
		if n := utf8.RuneCountInString(res.Content); n > c.Limit() {
			return fmt.Errorf("%w: %s is %d characters, limit %d", ErrEditTooLong, c.Key(), n, c.Limit())
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, res.Action)
	}
}

// Resolve applies resolutions to records. Every conflict must have a valid
// resolution; otherwise nothing is applied. Keep-local takes a whole
// conversation off the sync payload, not just the offending record.
func Resolve(records []storage.Record, conflicts []Conflict, resolutions map[string]Resolution) (*Plan, error) {
	if pending := Pending(conflicts, resolutions); len(pending) > 0 {
		return nil, fmt.Errorf("%w: %d of %d unresolved", ErrConflictsPending, len(pending), len(conflicts))
	}
	for _, c := range conflicts {
		if err := Validate(c, resolutions[c.Key()]); err != nil {
			return nil, err
		}
	}

	noteEdits := make(map[int64]string)
	titleEdits := make(map[string]string)
	recordTitleEdits := make(map[int64]string)
	localIDs := make(map[int64]bool)
	localConversations := make(map[string]bool)

	for _, c := range conflicts {
		res := resolutions[c.Key()]
		switch c := c.(type) {
		case *NoteConflict:
			if res.Action == ActionEdit {
				noteEdits[c.RecordID] = res.Content
			} else if c.ConversationID != "" {
				localConversations[c.ConversationID] = true
			} else {
				localIDs[c.RecordID] = true
			}
		case *TitleConflict:
			switch {
			case c.ConversationID == "" && res.Action == ActionEdit:
				for _, id := range c.RecordIDs {
					recordTitleEdits[id] = res.Content
				}
			case c.ConversationID == "":
				for _, id := range c.RecordIDs {
					localIDs[id] = true
				}
			case res.Action == ActionEdit:
				titleEdits[c.ConversationID] = res.Content
			default:
				localConversations[c.ConversationID] = true
			}
		default:
			panic(fmt.Sprintf("conflict: unhandled variant %T", c))
		}
	}

	plan := &Plan{}
	for _, r := range records {
		r = r.Clone()
		if localIDs[r.ID] || (r.InConversation() && localConversations[r.ConversationID]) {
			r.IsLocalOnly = true
			plan.LocalOnly = append(plan.LocalOnly, r)
			continue
		}
		if note, ok := noteEdits[r.ID]; ok {
			r.Note = note
		}
		if title, ok := titleEdits[r.ConversationID]; ok && r.InConversation() {
			r.Title = title
		}
		if title, ok := recordTitleEdits[r.ID]; ok && !r.InConversation() {
			r.Title = title
		}
		r.IsLocalOnly = false
		plan.Sync = append(plan.Sync, r)
	}

	return plan, nil
}

// Describe renders a one-line summary of a conflict for a prompt
func Describe(c Conflict) string {
	switch c := c.(type) {
	case *NoteConflict:
		s := fmt.Sprintf("note of %s entry from %s is %d characters (limit %d)",
			c.Model, c.Timestamp.Format("2006-01-02 15:04"), c.Length, c.Limit())
		if c.TitlePreview != "" {
			s += fmt.Sprintf(" in %q", c.TitlePreview)
		}
		return s
	case *TitleConflict:
		return fmt.Sprintf("conversation title %q is %d characters (limit %d), %d entries",
			preview(c.Title), c.Length, c.Limit(), len(c.RecordIDs))
	default:
		panic(fmt.Sprintf("conflict: unhandled variant %T", c))
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	return string([]rune(s)[:previewLength-3]) + "..."
}
