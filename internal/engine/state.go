package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NeverVane/promptledger/internal/storage"
)

// Status is the account linkage state of a device
type Status string

const (
	StatusUnlinked Status = "unlinked"
	StatusLocked   Status = "locked"
	StatusUnlocked Status = "unlocked"
)

// DecryptionFailedNote replaces the note of a record that did not decrypt
const DecryptionFailedNote = "[this entry could not be decrypted]"

// State is the in-memory data set. Records is the synced set while linked
// and the unsynced local set while unlinked; LocalOnly is the set excluded
// from sync. A record is never in both.
type State struct {
	Records   []storage.Record
	LocalOnly []storage.Record
	Models    []storage.ModelConfig
}

func (s *State) clone() State {
	return State{
		Records:   storage.CloneRecords(s.Records),
		LocalOnly: storage.CloneRecords(s.LocalOnly),
		Models:    storage.CloneModels(s.Models),
	}
}

func (s *State) list(localOnly bool) *[]storage.Record {
	if localOnly {
		return &s.LocalOnly
	}
	return &s.Records
}

// Snapshot is a copy of what a UI may show
type Snapshot struct {
	Status    Status
	AccountID string
	Records   []storage.Record
	LocalOnly []storage.Record
	Models    []storage.ModelConfig
}

// All merges both record sets, newest first
func (s Snapshot) All() []storage.Record {
	all := make([]storage.Record, 0, len(s.Records)+len(s.LocalOnly))
	all = append(all, s.Records...)
	all = append(all, s.LocalOnly...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all
}

// RecordRef addresses a record in one of the two sets. Synced ids come from
// the relay, so the sets have independent id spaces.
type RecordRef struct {
	ID        int64
	LocalOnly bool
}

// RefOf returns the reference of a record
func RefOf(r storage.Record) RecordRef {
	return RecordRef{ID: r.ID, LocalOnly: r.IsLocalOnly}
}

// String renders local-only references with an "L" prefix
func (r RecordRef) String() string {
	if r.LocalOnly {
		return "L" + strconv.FormatInt(r.ID, 10)
	}
	return strconv.FormatInt(r.ID, 10)
}

// ParseRef parses the form produced by RecordRef.String
func ParseRef(s string) (RecordRef, error) {
	s = strings.TrimSpace(s)
	ref := RecordRef{}
	if strings.HasPrefix(s, "L") || strings.HasPrefix(s, "l") {
		ref.LocalOnly = true
		s = s[1:]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return RecordRef{}, fmt.Errorf("invalid record reference %q", s)
	}
	ref.ID = id
	return ref, nil
}

// Draft is the input for a new record
type Draft struct {
	Model          string
	Note           string
	OutputTokens   *int
	ConversationID string
	Title          string

	// Zero means now
	Timestamp time.Time

	// Keep the record on this device only, even while linked
	LocalOnly bool
}

// RecordUpdate is a partial edit; nil fields are left unchanged
type RecordUpdate struct {
	Model        *string
	Note         *string
	OutputTokens *int
	ClearTokens  bool
	Title        *string
}

func (u RecordUpdate) apply(r storage.Record) storage.Record {
	r = r.Clone()
	if u.Model != nil {
		r.Model = *u.Model
	}
	if u.Note != nil {
		r.Note = *u.Note
		r.DecryptionFailed = false
	}
	if u.ClearTokens {
		r.OutputTokens = nil
	} else if u.OutputTokens != nil {
		r.OutputTokens = storage.IntPtr(*u.OutputTokens)
	}
	if u.Title != nil {
		r.Title = *u.Title
	}
	return r
}

// command is one optimistic mutation. Revert undoes exactly what Apply did.
type command interface {
	Apply(s *State)
	Revert(s *State)
}

type addRecordCmd struct {
	record storage.Record
}

func (c *addRecordCmd) Apply(s *State) {
	list := s.list(c.record.IsLocalOnly)
	*list = append(*list, c.record.Clone())
}

func (c *addRecordCmd) Revert(s *State) {
	list := s.list(c.record.IsLocalOnly)
	if i := storage.IndexOfRecord(*list, c.record.ID); i >= 0 {
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
}

type updateRecordCmd struct {
	previous storage.Record
	next     storage.Record
}

func (c *updateRecordCmd) Apply(s *State) {
	list := s.list(c.next.IsLocalOnly)
	if i := storage.IndexOfRecord(*list, c.next.ID); i >= 0 {
		(*list)[i] = c.next.Clone()
	}
}

func (c *updateRecordCmd) Revert(s *State) {
	list := s.list(c.previous.IsLocalOnly)
	if i := storage.IndexOfRecord(*list, c.previous.ID); i >= 0 {
		(*list)[i] = c.previous.Clone()
	}
}

type deleteRecordCmd struct {
	previous storage.Record
	index    int
}

func (c *deleteRecordCmd) Apply(s *State) {
	list := s.list(c.previous.IsLocalOnly)
	if i := storage.IndexOfRecord(*list, c.previous.ID); i >= 0 {
		c.index = i
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
}

func (c *deleteRecordCmd) Revert(s *State) {
	list := s.list(c.previous.IsLocalOnly)
	if storage.IndexOfRecord(*list, c.previous.ID) >= 0 {
		return
	}
	i := c.index
	if i < 0 || i > len(*list) {
		i = len(*list)
	}
	*list = append(*list, storage.Record{})
	copy((*list)[i+1:], (*list)[i:])
	(*list)[i] = c.previous.Clone()
}

type replaceModelsCmd struct {
	previous []storage.ModelConfig
	next     []storage.ModelConfig
}

func (c *replaceModelsCmd) Apply(s *State) {
	s.Models = storage.CloneModels(c.next)
}

func (c *replaceModelsCmd) Revert(s *State) {
	s.Models = storage.CloneModels(c.previous)
}
