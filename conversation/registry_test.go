package conversation

import (
	"testing"
	"time"

	"chatsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conv(id string, archived bool, unread int) models.Conversation {
	return models.Conversation{
		ID:           id,
		Title:        "title " + id,
		Type:         models.ConversationDirectMessage,
		Participants: []string{"me", "u-" + id},
		Archived:     archived,
		UnreadCount:  unread,
	}
}

func ids(list []models.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func TestApplyCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})

	created := models.Conversation{ID: "c2", Title: "first", Participants: []string{"me", "u2"}}
	r.ApplyCreate(created)
	created.Title = "second"
	r.ApplyCreate(created)

	all := r.Conversations()
	require.Equal(t, []string{"c2", "c1"}, ids(all))
	got, ok := r.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "second", got.Title)
}

func TestApplyCreateTakesArchivedFlagAsIs(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", true, 0), conv("c2", false, 0)})

	r.ApplyCreate(conv("c1", false, 0))
	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.False(t, got.Archived)

	r.ApplyCreate(conv("c2", true, 0))
	got, ok = r.Get("c2")
	require.True(t, ok)
	assert.True(t, got.Archived)
}

func TestChatSummaryUnreadSuppressedForOpenConversation(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0), conv("c2", false, 0)})
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.True(t, r.ApplyChatSummaryUpdate("c1", models.NewPreview("u2", "hello", ts), ts, "c1"))
	require.True(t, r.ApplyChatSummaryUpdate("c2", models.NewPreview("u2", "hello", ts), ts, "c1"))

	open, _ := r.Get("c1")
	other, _ := r.Get("c2")
	assert.Equal(t, 0, open.UnreadCount)
	assert.Equal(t, 1, other.UnreadCount)
	require.NotNil(t, other.LastMessagePreview)
	assert.Equal(t, "hello", other.LastMessagePreview.Text)
	assert.True(t, other.LastMessagePreview.Timestamp.Equal(ts))
}

func TestChatSummaryForUnknownConversationIsDropped(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})

	assert.False(t, r.ApplyChatSummaryUpdate("ghost", models.NewPreview("u2", "x", time.Now()), time.Now(), ""))
	assert.Len(t, r.Conversations(), 1)
}

func TestChatSummaryTruncatesPreview(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})
	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}

	r.ApplyChatSummaryUpdate("c1", &models.Preview{SenderID: "u2", Text: string(long)}, time.Now(), "")
	got, _ := r.Get("c1")
	assert.Equal(t, models.PreviewMaxRunes, len([]rune(got.LastMessagePreview.Text)))
}

func TestFilterKinds(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{
		conv("c1", false, 2),
		conv("c2", true, 0),
		conv("c3", false, 0),
	})

	assert.Equal(t, []string{"c1", "c3"}, ids(r.Filter(FilterAll)))
	assert.Equal(t, []string{"c1"}, ids(r.Filter(FilterUnread)))
	assert.Equal(t, []string{"c2"}, ids(r.Filter(FilterArchived)))
}

func TestArchiveFallbackSwitchesToAllWhenArchivedBucketEmpties(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{
		conv("c1", false, 0),
		conv("c2", true, 0),
		conv("c3", false, 0),
	})
	r.SetFilter(FilterArchived)
	require.NoError(t, r.Select("c2"))

	previous, err := r.SetArchived("c2", false)
	require.NoError(t, err)
	assert.True(t, previous)

	assert.Equal(t, FilterAll, r.ActiveFilter())
	assert.Equal(t, "c1", r.Selected())
}

func TestArchiveFallbackClearsSelectionWhenNothingSelectable(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})
	require.NoError(t, r.Select("c1"))

	_, err := r.SetArchived("c1", true)
	require.NoError(t, err)

	assert.Equal(t, FilterAll, r.ActiveFilter())
	assert.Empty(t, r.Selected())
}

func TestArchiveFallbackKeepsFilterWhenOthersRemain(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{
		conv("c1", true, 0),
		conv("c2", true, 0),
		conv("c3", false, 0),
	})
	r.SetFilter(FilterArchived)
	require.NoError(t, r.Select("c1"))

	_, err := r.SetArchived("c1", false)
	require.NoError(t, err)

	assert.Equal(t, FilterArchived, r.ActiveFilter())
	assert.Equal(t, "c2", r.Selected())
}

func TestArchiveNonSelectedLeavesSelection(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0), conv("c2", false, 0)})
	require.NoError(t, r.Select("c1"))

	_, err := r.SetArchived("c2", true)
	require.NoError(t, err)
	assert.Equal(t, "c1", r.Selected())

	r.RestoreArchived("c2", false)
	got, _ := r.Get("c2")
	assert.False(t, got.Archived)
}

func TestUpsertFromSnapshotKeepsDraftsAndSelection(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0), conv("c2", false, 0)})
	draft := r.SelectDraftOrExisting("", []string{"me", "u9"}, "new")
	require.True(t, draft.IsDraft)

	r.UpsertFromSnapshot([]models.Conversation{conv("c2", false, 3), conv("c4", false, 0)})
	assert.Equal(t, []string{draft.ID, "c2", "c4"}, ids(r.Conversations()))
	assert.Equal(t, draft.ID, r.Selected())

	require.NoError(t, r.Select("c2"))
	r.UpsertFromSnapshot([]models.Conversation{conv("c4", false, 0)})
	assert.Empty(t, r.Selected())
}

func TestSelectMarksRead(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 4)})
	require.NoError(t, r.Select("c1"))
	got, _ := r.Get("c1")
	assert.Zero(t, got.UnreadCount)

	assert.ErrorIs(t, r.Select("nope"), ErrUnknownConversation)
}

func TestSelectDraftOrExistingReusesDirectMessage(t *testing.T) {
	r := NewRegistry()
	existing := conv("c1", false, 0)
	existing.Participants = []string{"u2", "me"}
	r.UpsertFromSnapshot([]models.Conversation{existing})

	got := r.SelectDraftOrExisting("", []string{"me", "u2", "u2"}, "")
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "c1", r.Selected())
	assert.Len(t, r.Conversations(), 1)

	got = r.SelectDraftOrExisting("c1", nil, "")
	assert.Equal(t, "c1", got.ID)
}

func TestSelectDraftOrExistingCreatesDraftAtFront(t *testing.T) {
	r := NewRegistry()
	r.newDraftID = func() string { return "draft-abc" }
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})

	got := r.SelectDraftOrExisting("", []string{"me", "u7"}, "Audit")
	assert.Equal(t, "draft-abc", got.ID)
	assert.True(t, got.IsDraft)
	assert.True(t, IsDraftID(got.ID))
	assert.Equal(t, []string{"draft-abc", "c1"}, ids(r.Conversations()))
	assert.Equal(t, "draft-abc", r.Selected())
}

func TestReplaceIDSwapsDraftEverywhereInRegistry(t *testing.T) {
	r := NewRegistry()
	r.newDraftID = func() string { return "draft-abc" }
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})
	r.SelectDraftOrExisting("", []string{"me", "u7"}, "Audit")

	require.NoError(t, r.ReplaceID("draft-abc", models.Conversation{ID: "room-42", Participants: []string{"me", "u7"}}))

	assert.Equal(t, []string{"room-42", "c1"}, ids(r.Conversations()))
	assert.Equal(t, "room-42", r.Selected())
	got, _ := r.Get("room-42")
	assert.False(t, got.IsDraft)
	assert.Equal(t, "Audit", got.Title)
}

func TestReplaceIDFoldsEarlierCreateEvent(t *testing.T) {
	r := NewRegistry()
	r.newDraftID = func() string { return "draft-abc" }
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})
	r.SelectDraftOrExisting("", []string{"me", "u7"}, "Audit")
	r.ApplyCreate(models.Conversation{ID: "room-42", Title: "Audit", Participants: []string{"me", "u7"}})

	require.NoError(t, r.ReplaceID("draft-abc", models.Conversation{ID: "room-42"}))

	assert.Equal(t, []string{"room-42", "c1"}, ids(r.Conversations()))
}

func TestReplaceIDRejectsNonDraft(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})

	assert.ErrorIs(t, r.ReplaceID("c1", models.Conversation{ID: "c9"}), ErrNotDraft)
	assert.ErrorIs(t, r.ReplaceID("missing", models.Conversation{ID: "c9"}), ErrUnknownConversation)
}

func TestRemoveClearsSelection(t *testing.T) {
	r := NewRegistry()
	r.UpsertFromSnapshot([]models.Conversation{conv("c1", false, 0)})
	require.NoError(t, r.Select("c1"))

	assert.True(t, r.Remove("c1"))
	assert.Empty(t, r.Selected())
	assert.False(t, r.Remove("c1"))
}

func TestParseFilterKind(t *testing.T) {
	kind, err := ParseFilterKind(" Archived ")
	require.NoError(t, err)
	assert.Equal(t, FilterArchived, kind)

	kind, err = ParseFilterKind("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, kind)

	_, err = ParseFilterKind("starred")
	assert.Error(t, err)
}
