package storage

import (
	"errors"
	"testing"
	"time"

	"chatsync/models"
)

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	mustCreateConversation(t, store, "c1", "alice", "bob")

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	mustSaveMessage(t, store, "m1", "c1", "alice", base)
	mustSaveMessage(t, store, "m2", "c1", "bob", base.Add(time.Second))
	mustSaveMessage(t, store, "m3", "c1", "alice", base.Add(2*time.Second))

	messages, err := store.GetMessages("c1", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != "m3" || messages[2].ID != "m1" {
		t.Fatalf("expected newest-first order, got %q..%q", messages[0].ID, messages[2].ID)
	}
	if !messages[1].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("expected timestamp round trip, got %v", messages[1].Timestamp)
	}

	limited, err := store.GetMessages("c1", 2)
	if err != nil {
		t.Fatalf("GetMessages limited failed: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != "m2" {
		t.Fatalf("expected the newest two messages, got %+v", limited)
	}

	message, err := store.GetMessageByID("m2")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if message.SenderID != "bob" || message.Content != "content of m2" {
		t.Fatalf("unexpected message %+v", message)
	}

	if _, err := store.GetMessageByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SaveMessage(models.Message{ID: "m4", ConversationID: "c1", SenderID: "alice", Content: "  "}); err == nil {
		t.Fatalf("expected empty content to be rejected")
	}
	if err := store.SaveMessage(models.Message{ID: "m5", ConversationID: "nope", SenderID: "alice", Content: "x"}); err == nil {
		t.Fatalf("expected unknown conversation to be rejected by the foreign key")
	}
}

func TestReceiptsAttachToMessages(t *testing.T) {
	store := newTestStore(t)
	mustCreateConversation(t, store, "c1", "alice", "bob")
	mustCreateConversation(t, store, "c2", "alice", "carol")

	base := time.Now().UTC().Add(-time.Minute)
	mustSaveMessage(t, store, "m1", "c1", "alice", base)
	mustSaveMessage(t, store, "m2", "c1", "alice", base.Add(time.Second))
	mustSaveMessage(t, store, "x1", "c2", "carol", base)

	if err := store.SaveReceipt(models.ReadReceipt{
		ID:        "r1",
		MessageID: "m2",
		ReaderID:  "bob",
		ReadAt:    base.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("SaveReceipt failed: %v", err)
	}

	messages, err := store.GetMessages("c1", 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages[0].ReadBy) != 1 || messages[0].ReadBy[0].ReaderID != "bob" {
		t.Fatalf("expected m2 to carry bob's receipt, got %+v", messages[0].ReadBy)
	}
	if messages[0].ReadBy[0].ConversationID != "c1" {
		t.Fatalf("expected receipt conversation filled from message, got %q", messages[0].ReadBy[0].ConversationID)
	}
	if len(messages[1].ReadBy) != 0 {
		t.Fatalf("expected m1 without receipts, got %+v", messages[1].ReadBy)
	}

	err = store.SaveReceipt(models.ReadReceipt{ID: "r2", MessageID: "x1", ConversationID: "c1", ReaderID: "bob"})
	if err == nil {
		t.Fatalf("expected cross-conversation receipt to be rejected")
	}
	err = store.SaveReceipt(models.ReadReceipt{ID: "r3", MessageID: "missing", ReaderID: "bob"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
}
