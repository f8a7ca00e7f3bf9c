package conversation

import (
	"fmt"
	"strings"
	"time"

	"chatsync/models"

	"github.com/google/uuid"
)

// DraftIDPrefix marks client-generated conversation ids.
const DraftIDPrefix = "draft-"

// FilterKind selects which conversations the list shows.
type FilterKind string

const (
	FilterAll      FilterKind = "all"
	FilterUnread   FilterKind = "unread"
	FilterArchived FilterKind = "archived"
)

// ParseFilterKind maps user input to a FilterKind.
func ParseFilterKind(value string) (FilterKind, error) {
	switch FilterKind(strings.ToLower(strings.TrimSpace(value))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterUnread:
		return FilterUnread, nil
	case FilterArchived:
		return FilterArchived, nil
	default:
		return "", fmt.Errorf("unknown filter %q", value)
	}
}

// IsDraftID reports whether id was generated locally for a draft.
func IsDraftID(id string) bool {
	return strings.HasPrefix(id, DraftIDPrefix)
}

// NewDraftID returns a fresh draft conversation id.
func NewDraftID() string {
	return DraftIDPrefix + uuid.NewString()
}

// Registry is the ordered conversation list plus selection and filter. It is owned by
// the session loop and is not safe for concurrent use.
type Registry struct {
	items      []models.Conversation
	selectedID string
	filter     FilterKind
	newDraftID func() string
}

// NewRegistry returns an empty registry showing all conversations.
func NewRegistry() *Registry {
	return &Registry{filter: FilterAll, newDraftID: NewDraftID}
}

// Conversations returns a copy of the full list.
func (r *Registry) Conversations() []models.Conversation {
	return cloneList(r.items)
}

// Visible returns the list under the active filter.
func (r *Registry) Visible() []models.Conversation {
	return cloneList(Filter(r.items, r.filter))
}

// Get returns the conversation with id.
func (r *Registry) Get(id string) (models.Conversation, bool) {
	idx := indexOf(r.items, id)
	if idx < 0 {
		return models.Conversation{}, false
	}
	return r.items[idx].Clone(), true
}

// Selected returns the selected conversation id, or "".
func (r *Registry) Selected() string {
	return r.selectedID
}

// ActiveFilter returns the active filter kind.
func (r *Registry) ActiveFilter() FilterKind {
	return r.filter
}

// SetFilter changes the active filter. The selection is left alone.
func (r *Registry) SetFilter(kind FilterKind) {
	r.filter = kind
}

// Filter returns the conversations matching kind, in list order.
func (r *Registry) Filter(kind FilterKind) []models.Conversation {
	return cloneList(Filter(r.items, kind))
}

// UpsertFromSnapshot replaces the list with a REST snapshot. Local drafts stay at the
// front; the selection survives when its id is still present.
func (r *Registry) UpsertFromSnapshot(snapshot []models.Conversation) {
	r.items = upsertSnapshot(r.items, snapshot)
	if r.selectedID != "" && indexOf(r.items, r.selectedID) < 0 {
		r.selectedID = ""
	}
	if r.selectedID != "" {
		r.items = markRead(r.items, r.selectedID)
	}
}

// ApplyCreate merges summary into an existing entry or prepends it.
func (r *Registry) ApplyCreate(summary models.Conversation) {
	r.items = applyCreate(r.items, summary)
}

// ApplyChatSummaryUpdate records a new latest message. It reports false when the
// conversation is unknown and the update was dropped.
func (r *Registry) ApplyChatSummaryUpdate(conversationID string, preview *models.Preview, timestamp time.Time, openID string) bool {
	next, ok := applyChatSummary(r.items, conversationID, preview, timestamp, openID)
	r.items = next
	return ok
}

// Select marks id as the selected conversation and clears its unread count.
func (r *Registry) Select(id string) error {
	if indexOf(r.items, id) < 0 {
		return fmt.Errorf("select %s: %w", id, ErrUnknownConversation)
	}
	r.selectedID = id
	r.items = markRead(r.items, id)
	return nil
}

// ClearSelection deselects without touching the list.
func (r *Registry) ClearSelection() {
	r.selectedID = ""
}

// SelectDraftOrExisting selects id when it exists, else an existing direct-message with
// the same participant set, else a new draft placed at the front.
func (r *Registry) SelectDraftOrExisting(id string, participants []string, title string) models.Conversation {
	if id != "" && indexOf(r.items, id) >= 0 {
		_ = r.Select(id)
		conversation, _ := r.Get(id)
		return conversation
	}

	normalized := models.NormalizeParticipants(participants)
	if len(normalized) > 0 {
		for _, existing := range r.items {
			if existing.Type != models.ConversationDirectMessage || existing.Archived {
				continue
			}
			if models.SameParticipants(existing.Participants, normalized) {
				_ = r.Select(existing.ID)
				return existing.Clone()
			}
		}
	}

	draftID := id
	if draftID == "" {
		draftID = r.newDraftID()
	}
	draft := models.Conversation{
		ID:           draftID,
		Title:        title,
		Type:         models.ConversationDirectMessage,
		Participants: normalized,
		IsDraft:      true,
	}
	r.items = append([]models.Conversation{draft}, r.items...)
	r.selectedID = draftID
	return draft.Clone()
}

// SetArchived flips the archived flag and applies the filter fallback when id is the
// selected conversation. It returns the previous flag so callers can roll back.
func (r *Registry) SetArchived(id string, archived bool) (bool, error) {
	idx := indexOf(r.items, id)
	if idx < 0 {
		return false, fmt.Errorf("set archived on %s: %w", id, ErrUnknownConversation)
	}
	previous := r.items[idx].Archived
	r.items = setArchived(r.items, id, archived)
	if id == r.selectedID {
		r.filter, r.selectedID = archiveFallback(r.items, r.filter, r.selectedID)
		if r.selectedID != "" {
			r.items = markRead(r.items, r.selectedID)
		}
	}
	return previous, nil
}

// RestoreArchived sets the archived flag without touching filter or selection. It is
// used to roll back a rejected archive toggle.
func (r *Registry) RestoreArchived(id string, archived bool) {
	r.items = setArchived(r.items, id, archived)
}

// ReplaceID swaps a draft id for its server id, merging the confirmed summary. The
// selection follows the swap.
func (r *Registry) ReplaceID(draftID string, confirmed models.Conversation) error {
	next, err := replaceID(r.items, draftID, confirmed)
	if err != nil {
		return err
	}
	r.items = next
	if r.selectedID == draftID {
		r.selectedID = confirmed.ID
	}
	return nil
}

// Remove drops id from the list, clearing the selection if it pointed at id.
func (r *Registry) Remove(id string) bool {
	idx := indexOf(r.items, id)
	if idx < 0 {
		return false
	}
	r.items = removeAt(r.items, idx)
	if r.selectedID == id {
		r.selectedID = ""
	}
	return true
}

// Filter returns the subset of list matching kind.
func Filter(list []models.Conversation, kind FilterKind) []models.Conversation {
	out := make([]models.Conversation, 0, len(list))
	for _, conversation := range list {
		switch kind {
		case FilterUnread:
			if conversation.UnreadCount > 0 {
				out = append(out, conversation)
			}
		case FilterArchived:
			if conversation.Archived {
				out = append(out, conversation)
			}
		default:
			if !conversation.Archived {
				out = append(out, conversation)
			}
		}
	}
	return out
}

func upsertSnapshot(prev, snapshot []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, 0, len(prev)+len(snapshot))
	seen := make(map[string]struct{}, len(prev)+len(snapshot))
	for _, existing := range prev {
		if !existing.IsDraft {
			continue
		}
		seen[existing.ID] = struct{}{}
		out = append(out, existing.Clone())
	}
	for _, incoming := range snapshot {
		if incoming.ID == "" {
			continue
		}
		if _, dup := seen[incoming.ID]; dup {
			continue
		}
		seen[incoming.ID] = struct{}{}
		entry := incoming.Clone()
		entry.IsDraft = false
		out = append(out, entry)
	}
	return out
}

func applyCreate(list []models.Conversation, summary models.Conversation) []models.Conversation {
	if summary.ID == "" {
		return list
	}
	idx := indexOf(list, summary.ID)
	if idx < 0 {
		entry := summary.Clone()
		entry.IsDraft = false
		out := make([]models.Conversation, 0, len(list)+1)
		out = append(out, entry)
		return append(out, list...)
	}
	out := cloneList(list)
	out[idx] = mergeSummary(out[idx], summary)
	return out
}

// mergeSummary copies the non-empty fields of incoming over existing. The archived
// flag is per-user server state and is taken from incoming as is.
func mergeSummary(existing, incoming models.Conversation) models.Conversation {
	out := existing.Clone()
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if len(incoming.Participants) > 0 {
		out.Participants = append([]string(nil), incoming.Participants...)
	}
	if incoming.LastMessagePreview != nil {
		preview := *incoming.LastMessagePreview
		out.LastMessagePreview = &preview
	}
	if incoming.UnreadCount > out.UnreadCount {
		out.UnreadCount = incoming.UnreadCount
	}
	out.Archived = incoming.Archived
	out.IsDraft = false
	return out
}

func applyChatSummary(list []models.Conversation, conversationID string, preview *models.Preview, timestamp time.Time, openID string) ([]models.Conversation, bool) {
	idx := indexOf(list, conversationID)
	if idx < 0 {
		return list, false
	}
	out := cloneList(list)
	entry := out[idx]
	if preview != nil {
		next := *preview
		next.Text = models.TruncatePreview(next.Text)
		if !timestamp.IsZero() {
			next.Timestamp = timestamp
		}
		entry.LastMessagePreview = &next
	}
	if conversationID != openID {
		entry.UnreadCount++
	}
	out[idx] = entry
	return out, true
}

func setArchived(list []models.Conversation, id string, archived bool) []models.Conversation {
	idx := indexOf(list, id)
	if idx < 0 {
		return list
	}
	out := cloneList(list)
	out[idx].Archived = archived
	return out
}

// archiveFallback decides filter and selection after the selected conversation
// changed buckets.
func archiveFallback(list []models.Conversation, filter FilterKind, selectedID string) (FilterKind, string) {
	visible := Filter(list, filter)
	if filter == FilterArchived && len(visible) == 0 {
		visible = Filter(list, FilterAll)
		if len(visible) == 0 {
			return FilterAll, ""
		}
		return FilterAll, visible[0].ID
	}
	if indexOf(visible, selectedID) >= 0 {
		return filter, selectedID
	}
	if len(visible) == 0 {
		return filter, ""
	}
	return filter, visible[0].ID
}

func replaceID(list []models.Conversation, draftID string, confirmed models.Conversation) ([]models.Conversation, error) {
	idx := indexOf(list, draftID)
	if idx < 0 {
		return list, fmt.Errorf("replace %s: %w", draftID, ErrUnknownConversation)
	}
	if !list[idx].IsDraft {
		return list, fmt.Errorf("replace %s: %w", draftID, ErrNotDraft)
	}

	entry := mergeSummary(list[idx], confirmed)
	entry.ID = confirmed.ID
	if dup := indexOf(list, confirmed.ID); dup >= 0 {
		// a create-conversation event beat the REST response; fold it into the draft's slot
		entry = mergeSummary(list[dup], entry)
		entry.ID = confirmed.ID
	}

	out := make([]models.Conversation, 0, len(list))
	for i, existing := range list {
		if i == idx {
			out = append(out, entry)
			continue
		}
		if existing.ID == confirmed.ID {
			continue
		}
		out = append(out, existing.Clone())
	}
	return out, nil
}

func markRead(list []models.Conversation, id string) []models.Conversation {
	idx := indexOf(list, id)
	if idx < 0 || list[idx].UnreadCount == 0 {
		return list
	}
	out := cloneList(list)
	out[idx].UnreadCount = 0
	return out
}

func removeAt(list []models.Conversation, idx int) []models.Conversation {
	out := make([]models.Conversation, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}

func indexOf(list []models.Conversation, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneList(list []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}
