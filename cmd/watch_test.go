package cmd

import (
	"bytes"
	"testing"
	"time"

	"chatsync/conversation"
	"chatsync/models"

	"github.com/stretchr/testify/assert"
)

func TestRenderStateListsConversations(t *testing.T) {
	now := time.Now().UTC()
	state := conversation.State{
		UserID:    "alice",
		Connected: true,
		Filter:    conversation.FilterAll,
		Visible: []models.Conversation{
			{ID: "c1", Participants: []string{"alice", "bob"}, UnreadCount: 1200, LastMessagePreview: models.NewPreview("bob", "hi", now)},
			{ID: "draft-1", Title: "plans", IsDraft: true},
		},
		SelectedID: "c1",
		OpenID:     "c1",
		Messages: []models.Message{
			{ID: "m2", SenderID: "alice", Content: "later", Timestamp: now, Provisional: true},
			{ID: "m1", SenderID: "bob", Content: "hi", Timestamp: now.Add(-time.Minute)},
		},
		ReadState:     models.ReadStateMap{"bob": {MessageID: "m1", ReaderID: "bob"}},
		HistoryLoaded: true,
	}

	var out bytes.Buffer
	renderState(&out, state)
	text := out.String()

	assert.Contains(t, text, "alice | live")
	assert.Contains(t, text, "> alice, bob")
	assert.Contains(t, text, "(1,200 unread)")
	assert.Contains(t, text, "plans")
	assert.Contains(t, text, "[draft]")
	assert.Contains(t, text, "bob: hi (seen by bob)")
	assert.Contains(t, text, "later (sending)")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("bob: hi (seen")), bytes.Index(out.Bytes(), []byte("alice: later")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdefg", 4))
}
