package conversation

import (
	"time"

	"chatsync/models"
)

// Thread is the open conversation's message list, oldest first, with its receipt tracker.
type Thread struct {
	conversationID string
	currentUserID  string
	messages       []models.Message
	tracker        *Tracker
	loaded         bool
	loadErr        error
}

// NewThread starts an empty, not yet loaded thread.
func NewThread(conversationID, currentUserID string, participants []string) *Thread {
	return &Thread{
		conversationID: conversationID,
		currentUserID:  currentUserID,
		tracker:        NewTracker(currentUserID, participants, nil),
	}
}

// ConversationID returns the conversation the thread belongs to.
func (t *Thread) ConversationID() string {
	return t.conversationID
}

// Messages returns a chronological copy of the list.
func (t *Thread) Messages() []models.Message {
	return cloneMessages(t.messages)
}

// ReadState returns the current read-state map.
func (t *Thread) ReadState() models.ReadStateMap {
	return t.tracker.State()
}

// Loaded reports whether a history snapshot has been applied.
func (t *Thread) Loaded() bool {
	return t.loaded
}

// LoadErr returns the last history load failure, if any.
func (t *Thread) LoadErr() error {
	return t.loadErr
}

// snapshotMatchSkew bounds how much earlier than a provisional send its persisted
// copy may be stamped, to absorb clock skew against the server.
const snapshotMatchSkew = 30 * time.Second

// ApplySnapshot installs a newest-first history snapshot. Messages already in the
// thread that the snapshot does not contain (provisional sends, live arrivals newer
// than the snapshot) are kept after it in their existing order. A provisional whose
// persisted copy is already in the snapshot is dropped in favour of that copy.
func (t *Thread) ApplySnapshot(newestFirst []models.Message) {
	merged := Chronological(newestFirst)
	known := make(map[string]struct{}, len(merged))
	for _, message := range merged {
		known[message.ID] = struct{}{}
	}
	// self-authored snapshot messages already held by id are spoken for
	claimed := make(map[string]struct{})
	for _, message := range t.messages {
		if _, ok := known[message.ID]; ok {
			claimed[message.ID] = struct{}{}
		}
	}
	for _, message := range t.messages {
		if _, ok := known[message.ID]; ok {
			continue
		}
		if message.Provisional && claimSnapshotCopy(merged, claimed, message, t.currentUserID) {
			continue
		}
		merged = append(merged, message.Clone())
	}
	t.messages = merged
	t.tracker.Reset(newestFirst)
	t.loaded = true
	t.loadErr = nil
}

// SetLoadError records a failed history load; the thread keeps what it has.
func (t *Thread) SetLoadError(err error) {
	t.loadErr = err
}

// ApplyChat merges a confirmed chat message and reports whether a read receipt
// should be published for it.
func (t *Thread) ApplyChat(message models.Message) bool {
	next, publish := ApplyLiveChatEvent(t.messages, message, t.currentUserID)
	t.messages = next
	return publish
}

// ApplyReceipt folds a live receipt into the read state, anchored on the newest
// confirmed self-authored message.
func (t *Thread) ApplyReceipt(receipt models.ReadReceipt) models.ReadStateMap {
	anchor := MostRecentSelfMessageID(t.messages, t.currentUserID)
	return t.tracker.Apply(receipt, anchor)
}

// AppendProvisional adds an optimistic message.
func (t *Thread) AppendProvisional(message models.Message) {
	t.messages = AppendProvisional(t.messages, message)
}

// MarkFailed sets the failed flag on a provisional message.
func (t *Thread) MarkFailed(id string, failed bool) {
	t.messages = MarkFailed(t.messages, id, failed)
}

// Message returns the message with id.
func (t *Thread) Message(id string) (models.Message, bool) {
	for _, message := range t.messages {
		if message.ID == id {
			return message.Clone(), true
		}
	}
	return models.Message{}, false
}

// Rename moves the thread to a new conversation id, used when a draft is created.
func (t *Thread) Rename(conversationID string) {
	t.conversationID = conversationID
	t.messages = RehomeMessages(t.messages, conversationID)
}

// SetParticipants updates the participants tracked for receipts.
func (t *Thread) SetParticipants(participants []string) {
	t.tracker.SetParticipants(participants)
}

// claimSnapshotCopy finds the oldest unclaimed self-authored message in the
// chronological snapshot with the provisional's content and claims it.
func claimSnapshotCopy(chronological []models.Message, claimed map[string]struct{}, provisional models.Message, currentUserID string) bool {
	for _, candidate := range chronological {
		if candidate.SenderID != currentUserID || candidate.Content != provisional.Content {
			continue
		}
		if _, ok := claimed[candidate.ID]; ok {
			continue
		}
		if !provisional.Timestamp.IsZero() && !candidate.Timestamp.IsZero() &&
			candidate.Timestamp.Before(provisional.Timestamp.Add(-snapshotMatchSkew)) {
			continue
		}
		claimed[candidate.ID] = struct{}{}
		return true
	}
	return false
}
