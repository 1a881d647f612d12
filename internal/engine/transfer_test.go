package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/promptledger/internal/conflict"
	"github.com/NeverVane/promptledger/internal/remote"
	"github.com/NeverVane/promptledger/internal/storage"
	"github.com/NeverVane/promptledger/pkg/crypto"
	"github.com/NeverVane/promptledger/pkg/history"
)

func TestMigration_EditedNoteIsUploaded(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d := newDevice(t, relay, "a")

	original := repeat("a", 1600)
	long, err := d.AddRecord(ctx, Draft{Model: "gpt-4o", Note: original})
	require.NoError(t, err)
	_, err = d.AddRecord(ctx, Draft{Model: "gpt-4o", Note: "short"})
	require.NoError(t, err)

	m, err := d.PrepareMigration()
	require.NoError(t, err)
	require.Len(t, m.Conflicts, 1)
	c, ok := m.Conflicts[0].(*conflict.NoteConflict)
	require.True(t, ok)
	assert.Equal(t, conflict.KindNoteTooLong, c.Kind())
	assert.Equal(t, long.ID, c.RecordID)
	assert.Equal(t, 1600, c.Length)

	_, err = d.CompleteMigration(ctx, testPassword, m, nil)
	assert.ErrorIs(t, err, ErrConflictsPending)
	assert.Zero(t, relay.Count(), "no account before every conflict is resolved")
	assert.Equal(t, StatusUnlinked, d.Status())

	_, err = d.CompleteMigration(ctx, testPassword, m, resolutions(c.Key(), conflict.Edit(repeat("b", 1501))))
	assert.ErrorIs(t, err, conflict.ErrEditTooLong)
	assert.Zero(t, relay.Count())

	edited := repeat("b", 1400)
	accountID, err := d.CompleteMigration(ctx, testPassword, m, resolutions(c.Key(), conflict.Edit(edited)))
	require.NoError(t, err)
	assert.Equal(t, StatusUnlocked, d.Status())

	stored, err := relay.FetchRecords(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	_, key := accessToken(t, relay, accountID, testPassword)
	enc := crypto.NewEncryptor()
	var uploaded []string
	for _, r := range stored {
		plain, err := enc.Decrypt(r.Note, key)
		require.NoError(t, err)
		uploaded = append(uploaded, plain)
	}
	assert.ElementsMatch(t, []string{edited, "short"}, uploaded)
	assert.NotContains(t, uploaded, original)

	assert.ElementsMatch(t, []string{edited, "short"}, notes(d.Snapshot().Records))
	has, err := d.HasLocalData(ctx)
	require.NoError(t, err)
	assert.False(t, has, "migrated records leave the unsynced slot")
}

func TestMigration_KeepLocalExcludesWholeConversation(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d := newDevice(t, relay, "a")

	title := repeat("T", 2000)
	_, err := d.AddRecord(ctx, Draft{Model: "m", Note: repeat("n", 1600), ConversationID: "conv", Title: title})
	require.NoError(t, err)
	_, err = d.AddRecord(ctx, Draft{Model: "m", Note: "fits", ConversationID: "conv", Title: title})
	require.NoError(t, err)
	_, err = d.AddRecord(ctx, Draft{Model: "m", Note: "unrelated"})
	require.NoError(t, err)

	m, err := d.PrepareMigration()
	require.NoError(t, err)
	res := make(map[string]conflict.Resolution)
	var note *conflict.NoteConflict
	for _, c := range m.Conflicts {
		switch c := c.(type) {
		case *conflict.NoteConflict:
			note = c
		case *conflict.TitleConflict:
			assert.Len(t, c.RecordIDs, 2)
			res[c.Key()] = conflict.KeepLocal()
		}
	}
	require.NotNil(t, note)
	res[note.Key()] = conflict.KeepLocal()

	accountID, err := d.CompleteMigration(ctx, testPassword, m, res)
	require.NoError(t, err)

	stored, err := relay.FetchRecords(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, stored, 1, "both conversation turns stay local")
	assert.Empty(t, stored[0].ConversationID)

	snap := d.Snapshot()
	assert.Equal(t, []string{"unrelated"}, notes(snap.Records))
	require.Len(t, snap.LocalOnly, 2)
	for _, r := range snap.LocalOnly {
		assert.True(t, r.IsLocalOnly)
		assert.Equal(t, "conv", r.ConversationID)
	}
}

func TestMigration_LongTitleOnLaterTurn(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d := newDevice(t, relay, "a")

	long := repeat("T", 300)
	_, err := d.AddRecord(ctx, Draft{Model: "m", Note: "first", ConversationID: "c", Title: "short"})
	require.NoError(t, err)
	_, err = d.AddRecord(ctx, Draft{Model: "m", Note: "second", ConversationID: "c", Title: long})
	require.NoError(t, err)

	m, err := d.PrepareMigration()
	require.NoError(t, err)
	require.Len(t, m.Conflicts, 1)
	tc, ok := m.Conflicts[0].(*conflict.TitleConflict)
	require.True(t, ok)
	assert.Equal(t, 300, tc.Length)
	assert.Len(t, tc.RecordIDs, 2)

	_, err = d.CompleteMigration(ctx, testPassword, m, nil)
	assert.ErrorIs(t, err, ErrConflictsPending)
	assert.Zero(t, relay.Count())

	accountID, err := d.CompleteMigration(ctx, testPassword, m, resolutions(tc.Key(), conflict.Edit("Renamed")))
	require.NoError(t, err)

	stored, err := relay.FetchRecords(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, r := range d.Snapshot().Records {
		assert.Equal(t, "Renamed", r.Title)
		assert.LessOrEqual(t, r.TitleLength(), storage.MaxTitleLength)
	}
}

func TestMigration_UploadFailureRollsBackAccount(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d := newDevice(t, relay, "a")
	_, err := d.AddRecord(ctx, Draft{Model: "m", Note: "n"})
	require.NoError(t, err)

	m, err := d.PrepareMigration()
	require.NoError(t, err)
	d.client.failOn("batch_add", remote.ErrUnavailable)
	_, err = d.CompleteMigration(ctx, testPassword, m, nil)
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.Equal(t, 1, d.client.count("delete_account"))
	assert.Zero(t, relay.Count(), "the half-made account is deleted")
	assert.Equal(t, StatusUnlinked, d.Status())
	assert.Equal(t, []string{"n"}, notes(d.Snapshot().Records))
}

func TestMigration_CreateFailure(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.NewMemory(), "a")
	m, err := d.PrepareMigration()
	require.NoError(t, err)

	d.client.failOn("create_account", remote.ErrRejected)
	_, err = d.CompleteMigration(ctx, testPassword, m, nil)
	assert.ErrorIs(t, err, ErrAccountCreationFailed)

	_, err = d.CompleteMigration(ctx, "", m, nil)
	assert.ErrorIs(t, err, crypto.ErrEmptyPassword)
}

func TestMigration_RequiresUnlinked(t *testing.T) {
	d, _ := linkedDevice(t, remote.NewMemory(), "a")
	_, err := d.PrepareMigration()
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestExportImport_EmptyRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.NewMemory(), "a")

	doc, err := d.Export()
	require.NoError(t, err)
	data, err := history.Encode(doc)
	require.NoError(t, err)
	decoded, err := history.Decode(data)
	require.NoError(t, err)

	imp, err := d.PrepareImport(decoded)
	require.NoError(t, err)
	result, err := d.CompleteImport(ctx, imp, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Imported)
	assert.False(t, result.ModelsReplaced)

	snap := d.Snapshot()
	assert.Empty(t, snap.Records)
	assert.Empty(t, snap.LocalOnly)
	assert.Empty(t, snap.Models)
}

func TestExportImport_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newDevice(t, remote.NewMemory(), "a")
	base := time.Date(2025, 3, 1, 9, 30, 15, 250000000, time.UTC)

	drafts := []Draft{
		{Model: "gpt-4o", Note: "regex help", OutputTokens: storage.IntPtr(512), Timestamp: base},
		{Model: "claude", Note: "多字节 ✓ émoji 🎉", Timestamp: base.Add(time.Hour)},
		{Model: "claude", Note: "", OutputTokens: storage.IntPtr(0), Timestamp: base.Add(2 * time.Hour), ConversationID: "c", Title: "Plan"},
		{Model: "claude", Note: "follow-up", Timestamp: base.Add(150 * time.Minute), ConversationID: "c", Title: "Plan"},
		{Model: "gpt-4o", Note: "other thread", Timestamp: base.Add(160 * time.Minute), ConversationID: "d", Title: "Second conversation"},
		{Model: "local", Note: repeat("long ", 500), Timestamp: base.Add(3 * time.Hour)},
	}
	for _, draft := range drafts {
		_, err := source.AddRecord(ctx, draft)
		require.NoError(t, err)
	}
	models := []storage.ModelConfig{{Name: "gpt-4o", InputCost: 2.5, OutputCost: 10}}
	require.NoError(t, source.UpdateModels(ctx, models))

	doc, err := source.Export()
	require.NoError(t, err)
	data, err := history.Encode(doc)
	require.NoError(t, err)

	decoded, err := history.Decode(data)
	require.NoError(t, err)
	target := newDevice(t, remote.NewMemory(), "b")
	imp, err := target.PrepareImport(decoded)
	require.NoError(t, err)
	assert.Empty(t, imp.Conflicts, "nothing conflicts on an unlinked device")
	result, err := target.CompleteImport(ctx, imp, nil)
	require.NoError(t, err)
	assert.Equal(t, len(drafts), result.Imported)
	assert.True(t, result.ModelsReplaced)

	got := target.Snapshot()
	want := source.Snapshot()
	require.Len(t, got.Records, len(want.Records))
	for i := range want.Records {
		assert.Equal(t, want.Records[i].Model, got.Records[i].Model)
		assert.Equal(t, want.Records[i].Note, got.Records[i].Note)
		assert.Equal(t, want.Records[i].OutputTokens, got.Records[i].OutputTokens)
		assert.True(t, want.Records[i].Timestamp.Equal(got.Records[i].Timestamp))
		assert.Equal(t, want.Records[i].ConversationID, got.Records[i].ConversationID)
		assert.Equal(t, want.Records[i].Title, got.Records[i].Title)
	}
	assert.Equal(t, models, got.Models)
}

func TestImport_LinkedWithConflicts(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d, accountID := linkedDevice(t, relay, "a", "existing")

	doc := &history.Document{
		Version: history.CurrentVersion,
		Models:  []storage.ModelConfig{{Name: "imported-model"}},
		Prompts: []history.Prompt{
			{Model: "m", Note: "fits", Timestamp: time.Now()},
			{Model: "m", Note: repeat("x", 1700), Timestamp: time.Now()},
		},
	}
	imp, err := d.PrepareImport(doc)
	require.NoError(t, err)
	require.Len(t, imp.Conflicts, 1)

	_, err = d.CompleteImport(ctx, imp, nil)
	assert.ErrorIs(t, err, ErrConflictsPending)

	result, err := d.CompleteImport(ctx, imp, resolutions(imp.Conflicts[0].Key(), conflict.KeepLocal()))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 1, result.LocalOnly)
	assert.True(t, result.ModelsReplaced)

	stored, err := relay.FetchRecords(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	snap := d.Snapshot()
	assert.ElementsMatch(t, []string{"existing", "fits"}, notes(snap.Records))
	require.Len(t, snap.LocalOnly, 1)
	assert.Equal(t, 1700, snap.LocalOnly[0].NoteLength())
	assert.Equal(t, "imported-model", snap.Models[0].Name)

	exported, err := d.Export()
	require.NoError(t, err)
	assert.Len(t, exported.Prompts, 3, "export merges synced and local-only records")
}

func TestImport_DuplicateModelNames(t *testing.T) {
	ctx := context.Background()
	data := []byte(`{"version":"1.0.0","models":[{"name":"gpt"},{"name":"gpt"}],"prompts":[{"model":"m","note":"n","timestamp":"2025-03-01T10:00:00Z"}]}`)
	_, err := history.Decode(data)
	assert.ErrorIs(t, err, history.ErrInvalidFormat)

	doc := &history.Document{
		Version: history.CurrentVersion,
		Models:  []storage.ModelConfig{{Name: "gpt"}, {Name: "gpt"}},
		Prompts: []history.Prompt{{Model: "m", Note: "n", Timestamp: time.Now()}},
	}

	t.Run("linked", func(t *testing.T) {
		relay := remote.NewMemory()
		d, accountID := linkedDevice(t, relay, "a", "existing")

		_, err := d.PrepareImport(doc)
		assert.ErrorIs(t, err, ErrInvalidFormat)
		assert.ErrorIs(t, err, history.ErrInvalidFormat)

		imp := &Import{Records: doc.Records(), Models: doc.Models, AccountID: accountID}
		_, err = d.CompleteImport(ctx, imp, nil)
		assert.ErrorIs(t, err, ErrInvalidFormat)
		assert.Zero(t, d.client.count("batch_add"))

		stored, err := relay.FetchRecords(ctx, accountID)
		require.NoError(t, err)
		assert.Len(t, stored, 1)
	})

	t.Run("unlinked", func(t *testing.T) {
		d := newDevice(t, remote.NewMemory(), "a")

		_, err := d.PrepareImport(doc)
		assert.ErrorIs(t, err, ErrInvalidFormat)
		assert.Empty(t, d.Snapshot().Records)
		assert.Empty(t, d.Snapshot().Models)

		m, err := d.PrepareMigration()
		require.NoError(t, err)
		_, err = d.CompleteMigration(ctx, testPassword, m, nil)
		require.NoError(t, err, "a rejected import leaves sync enable possible")
	})
}

func TestImport_ModelsRejectedAfterRecords(t *testing.T) {
	ctx := context.Background()
	relay := remote.NewMemory()
	d, accountID := linkedDevice(t, relay, "a", "existing")

	imp, err := d.PrepareImport(&history.Document{
		Version: history.CurrentVersion,
		Models:  []storage.ModelConfig{{Name: "imported"}},
		Prompts: []history.Prompt{{Model: "m", Note: "new", Timestamp: time.Now()}},
	})
	require.NoError(t, err)

	d.client.failOn("update_models", remote.ErrUnavailable)
	result, err := d.CompleteImport(ctx, imp, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.True(t, IsPartial(err))
	assert.NotContains(t, err.Error(), "reverted")
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Imported)
	assert.False(t, result.ModelsReplaced)

	stored, err := relay.FetchRecords(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestFormatError(t *testing.T) {
	_, err := history.Decode([]byte(`{"models":{}}`))
	require.Error(t, err)

	wrapped := FormatError("import", err)
	assert.Equal(t, KindInvalidFormat, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, history.ErrInvalidFormat)

	plain := errors.New("disk full")
	assert.Equal(t, plain, FormatError("import", plain))
}

func TestImport_LockedAccount(t *testing.T) {
	d, _ := linkedDevice(t, remote.NewMemory(), "a")
	require.NoError(t, d.Lock())

	_, err := d.PrepareImport(&history.Document{Version: history.CurrentVersion})
	assert.ErrorIs(t, err, ErrAppLocked)
}

func TestImport_StaleLinkState(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.NewMemory(), "a")
	imp, err := d.PrepareImport(&history.Document{Prompts: []history.Prompt{{Model: "m", Note: "n", Timestamp: time.Now()}}})
	require.NoError(t, err)

	linked, _ := linkedDevice(t, remote.NewMemory(), "b")
	_, err = linked.CompleteImport(ctx, imp, nil)
	assert.ErrorIs(t, err, ErrStaleTransfer)
}
