package storage

import (
	"testing"
	"time"

	"chatsync/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateConversation(t *testing.T, store *Store, conversationID string, participants ...string) {
	t.Helper()

	err := store.CreateConversation(models.Conversation{
		ID:           conversationID,
		Title:        "title-" + conversationID,
		Type:         models.ConversationDirectMessage,
		Participants: participants,
	}, nowUnixMilli()-60_000)
	if err != nil {
		t.Fatalf("create conversation %q: %v", conversationID, err)
	}
}

func mustSaveMessage(t *testing.T, store *Store, messageID, conversationID, senderID string, ts time.Time) {
	t.Helper()

	err := store.SaveMessage(models.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        "content of " + messageID,
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("save message %q: %v", messageID, err)
	}
}
