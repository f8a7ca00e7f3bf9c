package conversation

import (
	"strings"
	"testing"

	"chatsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyLiveChatEventReconcilesProvisional(t *testing.T) {
	messages := []models.Message{
		{ID: "tmp1", ConversationID: "c1", SenderID: "me", Content: "hi", Timestamp: at(1), Provisional: true},
	}
	incoming := models.Message{ID: "srv9", ConversationID: "c1", SenderID: "me", Content: "hi", Timestamp: at(2)}

	out, publish := ApplyLiveChatEvent(messages, incoming, "me")

	assert.False(t, publish)
	require.Len(t, out, 1)
	assert.Equal(t, "srv9", out[0].ID)
	assert.False(t, out[0].Provisional)
	assert.True(t, out[0].Timestamp.Equal(at(2)))
	for _, m := range out {
		if m.Content == "hi" {
			assert.False(t, m.Provisional)
		}
	}
	assert.True(t, messages[0].Provisional, "input list must not be mutated")
}

func TestApplyLiveChatEventPromotesOldestMatchingProvisional(t *testing.T) {
	messages := []models.Message{
		{ID: "tmp1", SenderID: "me", Content: "same", Provisional: true},
		{ID: "tmp2", SenderID: "me", Content: "other", Provisional: true},
		{ID: "tmp3", SenderID: "me", Content: "same", Provisional: true},
	}

	out, _ := ApplyLiveChatEvent(messages, models.Message{ID: "s1", SenderID: "me", Content: "same"}, "me")

	assert.Equal(t, []string{"s1", "tmp2", "tmp3"}, messageIDs(out))
}

func TestApplyLiveChatEventIsIdempotentByID(t *testing.T) {
	messages := []models.Message{{ID: "s1", SenderID: "u2", Content: "v1", Timestamp: at(1)}}

	out, publish := ApplyLiveChatEvent(messages, models.Message{ID: "s1", SenderID: "u2", Content: "v2", Timestamp: at(1)}, "me")
	assert.False(t, publish)
	require.Len(t, out, 1)
	assert.Equal(t, "v2", out[0].Content)

	again, _ := ApplyLiveChatEvent(out, models.Message{ID: "s1", SenderID: "u2", Content: "v2", Timestamp: at(1)}, "me")
	assert.Equal(t, out, again)
}

func TestApplyLiveChatEventAppendsOthersAndRequestsReceipt(t *testing.T) {
	messages := []models.Message{{ID: "s1", SenderID: "me", Content: "a"}}

	out, publish := ApplyLiveChatEvent(messages, models.Message{ID: "s2", SenderID: "u2", Content: "b"}, "me")

	assert.True(t, publish)
	assert.Equal(t, []string{"s1", "s2"}, messageIDs(out))
}

func TestApplyLiveChatEventAppendsUnmatchedSelfMessage(t *testing.T) {
	out, publish := ApplyLiveChatEvent(nil, models.Message{ID: "s1", SenderID: "me", Content: "from another device"}, "me")
	assert.False(t, publish)
	assert.Equal(t, []string{"s1"}, messageIDs(out))
}

func TestMarkFailedOnlyTouchesProvisional(t *testing.T) {
	messages := []models.Message{
		{ID: "tmp-1", Provisional: true},
		{ID: "s1"},
	}
	out := MarkFailed(messages, "tmp-1", true)
	assert.True(t, out[0].Failed)

	out = MarkFailed(out, "s1", true)
	assert.False(t, out[1].Failed)
}

func TestNewProvisionalID(t *testing.T) {
	id := NewProvisionalID()
	assert.True(t, strings.HasPrefix(id, ProvisionalIDPrefix))
	assert.NotEqual(t, id, NewProvisionalID())
}

func TestNewestFromOthers(t *testing.T) {
	messages := []models.Message{
		{ID: "s1", SenderID: "u2"},
		{ID: "s2", SenderID: "me"},
		{ID: "tmp", SenderID: "u3", Provisional: true},
	}
	got, ok := NewestFromOthers(messages, "me")
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID)
}

func messageIDs(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}
