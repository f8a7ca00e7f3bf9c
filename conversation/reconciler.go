package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatsync/models"
	"chatsync/network"

	"go.uber.org/zap"
)

var errDraftInFlight = errors.New("conversation: draft create already in flight")

type pendingDraft struct {
	request   network.CreateConversationRequest
	messageID string
	inFlight  bool
	failed    bool
}

// Reconciler tracks optimistic sends: it mints provisional messages and remembers the
// create request behind each draft until the server confirms it.
type Reconciler struct {
	userID string
	newID  func() string
	now    func() time.Time
	drafts map[string]*pendingDraft
}

// NewReconciler builds a reconciler for userID. Nil generators fall back to
// NewProvisionalID and the UTC wall clock.
func NewReconciler(userID string, newID func() string, now func() time.Time) *Reconciler {
	if newID == nil {
		newID = NewProvisionalID
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		userID: userID,
		newID:  newID,
		now:    now,
		drafts: make(map[string]*pendingDraft),
	}
}

// Provisional returns a new provisional message authored by the current user.
func (r *Reconciler) Provisional(conversationID, content string) models.Message {
	return NewProvisionalMessage(r.newID(), conversationID, r.userID, content, r.now())
}

// BeginDraft records the create request for draft and marks it in flight.
func (r *Reconciler) BeginDraft(draft models.Conversation, content string, participantIDs []string, messageID string) (network.CreateConversationRequest, error) {
	if pending, ok := r.drafts[draft.ID]; ok && pending.inFlight {
		return network.CreateConversationRequest{}, fmt.Errorf("send in %s: %w", draft.ID, errDraftInFlight)
	}
	participants := participantIDs
	if len(participants) == 0 {
		participants = draft.Participants
	}
	request := network.CreateConversationRequest{
		Title:        draft.Title,
		Type:         draft.Type,
		Participants: models.NormalizeParticipants(append(append([]string(nil), participants...), r.userID)),
		Message:      content,
	}
	if request.Type == "" {
		request.Type = models.ConversationDirectMessage
	}
	r.drafts[draft.ID] = &pendingDraft{request: request, messageID: messageID, inFlight: true}
	return request, nil
}

// RetryDraft re-arms a failed draft and returns its original request and provisional id.
func (r *Reconciler) RetryDraft(draftID string) (network.CreateConversationRequest, string, error) {
	pending, ok := r.drafts[draftID]
	if !ok || !pending.failed {
		return network.CreateConversationRequest{}, "", fmt.Errorf("retry %s: no failed create: %w", draftID, ErrNotDraft)
	}
	if pending.inFlight {
		return network.CreateConversationRequest{}, "", fmt.Errorf("retry %s: %w", draftID, errDraftInFlight)
	}
	pending.failed = false
	pending.inFlight = true
	return pending.request, pending.messageID, nil
}

// FinishDraft records the create outcome. It reports false when the draft was
// discarded while the request was in flight. Successful drafts are forgotten.
func (r *Reconciler) FinishDraft(draftID string, err error) (string, bool) {
	pending, ok := r.drafts[draftID]
	if !ok {
		return "", false
	}
	pending.inFlight = false
	if err != nil {
		pending.failed = true
		return pending.messageID, true
	}
	delete(r.drafts, draftID)
	return pending.messageID, true
}

// DiscardDraft forgets draftID.
func (r *Reconciler) DiscardDraft(draftID string) {
	delete(r.drafts, draftID)
}

// FailedDrafts lists drafts whose create failed and await retry or discard.
func (r *Reconciler) FailedDrafts() []string {
	out := make([]string, 0, len(r.drafts))
	for id, pending := range r.drafts {
		if pending.failed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SendInExistingConversation appends a provisional message and publishes it through
// the push channel. It returns the provisional id.
func (s *Session) SendInExistingConversation(ctx context.Context, conversationID, content string) (string, error) {
	var id string
	var sendErr error
	err := s.do(ctx, func() {
		conversation, ok := s.registry.Get(conversationID)
		switch {
		case !ok:
			sendErr = fmt.Errorf("send in %s: %w", conversationID, ErrUnknownConversation)
		case conversation.IsDraft:
			sendErr = fmt.Errorf("send in %s: %w", conversationID, ErrDraftConversation)
		default:
			id, sendErr = s.sendExisting(conversationID, content)
		}
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// SendInDraftConversation appends a provisional message and creates the conversation
// server-side with it. participantIDs overrides the draft's participants when set.
func (s *Session) SendInDraftConversation(ctx context.Context, draftID, content string, participantIDs []string) (string, error) {
	var id string
	var sendErr error
	err := s.do(ctx, func() {
		draft, ok := s.registry.Get(draftID)
		switch {
		case !ok:
			sendErr = fmt.Errorf("send in %s: %w", draftID, ErrUnknownConversation)
		case !draft.IsDraft:
			sendErr = fmt.Errorf("send in %s: %w", draftID, ErrNotDraft)
		default:
			id, sendErr = s.sendDraft(draft, content, participantIDs)
		}
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// RetryDraft re-issues the create request of a draft whose create failed.
func (s *Session) RetryDraft(ctx context.Context, draftID string) error {
	var retryErr error
	err := s.do(ctx, func() {
		request, messageID, err := s.reconciler.RetryDraft(draftID)
		if err != nil {
			retryErr = err
			return
		}
		if s.thread != nil && s.thread.ConversationID() == draftID {
			s.thread.MarkFailed(messageID, false)
		}
		s.createDraft(draftID, request)
		s.notify()
	})
	if err != nil {
		return err
	}
	return retryErr
}

// DiscardDraft drops a local draft and its provisional messages.
func (s *Session) DiscardDraft(ctx context.Context, draftID string) error {
	var discardErr error
	err := s.do(ctx, func() {
		draft, ok := s.registry.Get(draftID)
		if !ok || !draft.IsDraft {
			discardErr = fmt.Errorf("discard %s: %w", draftID, ErrNotDraft)
			return
		}
		s.reconciler.DiscardDraft(draftID)
		if s.thread != nil && s.thread.ConversationID() == draftID {
			s.thread = nil
			s.router.Close()
			s.nav.Replace(RouteBase)
		}
		s.registry.Remove(draftID)
		s.notify()
	})
	if err != nil {
		return err
	}
	return discardErr
}

func (s *Session) sendExisting(conversationID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	message := s.reconciler.Provisional(conversationID, content)
	frame, err := network.SendMessageFrame(conversationID, content)
	if err != nil {
		return "", err
	}
	// the provisional id lets the server drop a resent frame
	frame.ID = message.ID
	if s.thread != nil && s.thread.ConversationID() == conversationID {
		s.thread.AppendProvisional(message)
	}
	s.registry.ApplyChatSummaryUpdate(conversationID, models.NewPreview(s.userID, content, message.Timestamp), message.Timestamp, conversationID)
	s.notify()

	s.goAsync(func(ctx context.Context) {
		if err := s.router.Publish(ctx, conversationID, frame); err != nil {
			s.post(func() {
				if s.thread != nil && s.thread.ConversationID() == conversationID {
					s.thread.MarkFailed(message.ID, true)
				}
				s.report(&PublishError{ConversationID: conversationID, MessageID: message.ID, Err: err})
				s.notify()
			})
		}
	})
	return message.ID, nil
}

func (s *Session) sendDraft(draft models.Conversation, content string, participantIDs []string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}

	message := s.reconciler.Provisional(draft.ID, content)
	request, err := s.reconciler.BeginDraft(draft, content, participantIDs, message.ID)
	if err != nil {
		return "", err
	}
	if s.thread != nil && s.thread.ConversationID() == draft.ID {
		s.thread.AppendProvisional(message)
	}
	s.notify()

	s.createDraft(draft.ID, request)
	return message.ID, nil
}

func (s *Session) createDraft(draftID string, request network.CreateConversationRequest) {
	s.goAsync(func(ctx context.Context) {
		response, err := s.api.CreateConversation(ctx, request)
		s.post(func() {
			s.finishDraft(draftID, response, err)
		})
	})
}

func (s *Session) finishDraft(draftID string, response network.CreateConversationResponse, err error) {
	messageID, tracked := s.reconciler.FinishDraft(draftID, err)
	if !tracked {
		if err == nil {
			// discarded while in flight; the server conversation still exists
			s.registry.ApplyCreate(response.Conversation)
			s.syncSubscriptions()
			s.notify()
		}
		return
	}
	if err != nil {
		if s.thread != nil && s.thread.ConversationID() == draftID {
			s.thread.MarkFailed(messageID, true)
		}
		s.report(&CreateConversationError{DraftID: draftID, Err: err})
		s.notify()
		return
	}
	s.swapDraftID(draftID, response)
}

// swapDraftID replaces draftID with the server id in the registry, the selection, the
// open thread, the router and the route in one loop turn.
func (s *Session) swapDraftID(draftID string, response network.CreateConversationResponse) {
	confirmed := response.Conversation
	serverID := confirmed.ID
	if serverID == "" {
		s.report(&CreateConversationError{DraftID: draftID, Err: errors.New("server returned no conversation id")})
		return
	}

	if err := s.registry.ReplaceID(draftID, confirmed); err != nil {
		s.report(&CreateConversationError{DraftID: draftID, Err: err})
		return
	}

	open := s.thread != nil && s.thread.ConversationID() == draftID
	if open {
		s.thread.Rename(serverID)
		if conversation, ok := s.registry.Get(serverID); ok {
			s.thread.SetParticipants(conversation.Participants)
		}
		s.thread.ApplySnapshot(nil)
		if response.Message != nil {
			s.thread.ApplyChat(*response.Message)
		}
	}

	s.router.Rename(draftID, serverID)
	if open {
		s.router.Subscribe(serverID, s.threadHandler)
	}
	if s.nav.Location() == RoutePath(draftID) {
		s.nav.Replace(RoutePath(serverID))
	}
	if response.Message != nil {
		message := response.Message
		s.registry.ApplyChatSummaryUpdate(serverID, models.NewPreview(message.SenderID, message.Content, message.Timestamp), message.Timestamp, serverID)
	}

	s.log.Info("draft conversation created",
		zap.String("draft_id", draftID),
		zap.String("conversation_id", serverID),
	)
	s.notify()
}
