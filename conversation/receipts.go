package conversation

import (
	"chatsync/models"
)

// ComputeInitialReceipts derives the read state from a history snapshot sorted newest
// first. The scan for other participants runs from the newest self-authored message M
// toward older messages.
func ComputeInitialReceipts(sorted []models.Message, currentUserID string, participants []string) models.ReadStateMap {
	state := make(models.ReadStateMap)

	anchor := -1
	for i, message := range sorted {
		if message.SenderID == currentUserID {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return state
	}

	if self, ok := newestReceiptBy(sorted[anchor].ReadBy, currentUserID); ok {
		state[currentUserID] = self
	}

	for _, participant := range participants {
		if participant == "" || participant == currentUserID {
			continue
		}
		var best models.ReadReceipt
		found := false
		for _, message := range sorted[anchor:] {
			if message.SenderID == participant {
				continue
			}
			receipt, ok := newestReceiptBy(message.ReadBy, participant)
			if !ok {
				continue
			}
			// strict comparison keeps the newer message on equal readAt
			if !found || receipt.ReadAt.After(best.ReadAt) {
				best = receipt
				found = true
			}
		}
		if found {
			state[participant] = best
		}
	}
	return state
}

// ApplyLiveReceiptEvent folds one live receipt into state and returns the new map.
// Existing entries only move when the receipt targets mostRecentSelfMessageID; new
// readers are added once the current user has sent something.
func ApplyLiveReceiptEvent(state models.ReadStateMap, receipt models.ReadReceipt, currentUserID, mostRecentSelfMessageID string) models.ReadStateMap {
	if receipt.ReaderID == "" || receipt.ReaderID == currentUserID {
		return state
	}
	if _, exists := state[receipt.ReaderID]; exists {
		if receipt.MessageID != mostRecentSelfMessageID {
			return state
		}
	} else if mostRecentSelfMessageID == "" {
		return state
	}

	next := state.Clone()
	next[receipt.ReaderID] = receipt
	return next
}

// MostRecentSelfMessageID returns the id of the newest confirmed message authored by
// currentUserID in a chronological list, or "".
func MostRecentSelfMessageID(chronological []models.Message, currentUserID string) string {
	for i := len(chronological) - 1; i >= 0; i-- {
		message := chronological[i]
		if message.SenderID == currentUserID && !message.Provisional {
			return message.ID
		}
	}
	return ""
}

func newestReceiptBy(receipts []models.ReadReceipt, readerID string) (models.ReadReceipt, bool) {
	var best models.ReadReceipt
	found := false
	for _, receipt := range receipts {
		if receipt.ReaderID != readerID {
			continue
		}
		if !found || receipt.ReadAt.After(best.ReadAt) {
			best = receipt
			found = true
		}
	}
	return best, found
}

type liveReceipt struct {
	receipt models.ReadReceipt
	anchor  string
}

// Tracker holds the receipt inputs for one open conversation: the history snapshot
// and the log of live receipts with the self-message anchor each was applied against.
type Tracker struct {
	currentUserID string
	participants  []string
	snapshot      []models.Message
	live          []liveReceipt
	state         models.ReadStateMap
}

// NewTracker builds a tracker from a newest-first snapshot.
func NewTracker(currentUserID string, participants []string, snapshot []models.Message) *Tracker {
	t := &Tracker{
		currentUserID: currentUserID,
		participants:  append([]string(nil), participants...),
	}
	t.Reset(snapshot)
	return t
}

// Reset replaces the snapshot and replays the live log on top of it.
func (t *Tracker) Reset(snapshot []models.Message) {
	t.snapshot = cloneMessages(snapshot)
	t.Recompute()
}

// SetParticipants updates the participant set and recomputes.
func (t *Tracker) SetParticipants(participants []string) {
	t.participants = append([]string(nil), participants...)
	t.Recompute()
}

// Apply records a live receipt and updates the state.
func (t *Tracker) Apply(receipt models.ReadReceipt, mostRecentSelfMessageID string) models.ReadStateMap {
	t.live = append(t.live, liveReceipt{receipt: receipt, anchor: mostRecentSelfMessageID})
	t.state = ApplyLiveReceiptEvent(t.state, receipt, t.currentUserID, mostRecentSelfMessageID)
	return t.State()
}

// Recompute rebuilds the state from the snapshot and the live log.
func (t *Tracker) Recompute() models.ReadStateMap {
	state := ComputeInitialReceipts(t.snapshot, t.currentUserID, t.participants)
	for _, entry := range t.live {
		state = ApplyLiveReceiptEvent(state, entry.receipt, t.currentUserID, entry.anchor)
	}
	t.state = state
	return t.State()
}

// State returns a copy of the current read state.
func (t *Tracker) State() models.ReadStateMap {
	if t.state == nil {
		return make(models.ReadStateMap)
	}
	return t.state.Clone()
}

// LiveCount returns the number of live receipts applied.
func (t *Tracker) LiveCount() int {
	return len(t.live)
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i := range messages {
		out[i] = messages[i].Clone()
	}
	return out
}
