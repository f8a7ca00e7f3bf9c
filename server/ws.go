package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/network"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	errForbidden    = errors.New("not a participant")
	errEmptyContent = errors.New("content is required")
)

func (s *Server) serveWS(c *gin.Context) {
	userID, err := s.authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := network.NewPushConnection(ws, s.push)
	cl := &client{userID: userID, conn: conn}
	s.hub.add(cl)
	defer s.hub.remove(cl)

	s.log.Info("push client connected", zap.String("user_id", userID), zap.Int("online", s.hub.Len()))
	if ready, err := network.NewFrame(network.KindReady, "", network.ReadyPayload{
		UserID:          userID,
		ProtocolVersion: network.ProtocolVersion,
	}); err == nil {
		_ = conn.Send(ready)
	}

	for {
		select {
		case raw := <-conn.Inbound():
			s.handleFrame(cl, raw)
		case <-conn.Done():
			s.log.Info("push client disconnected", zap.String("user_id", userID), zap.Error(conn.LastError()))
			return
		}
	}
}

func (s *Server) handleFrame(cl *client, raw []byte) {
	frame, err := network.DecodeFrame(raw)
	if err != nil {
		s.reject(cl, network.Frame{}, "bad-frame", err)
		return
	}
	if frame.ConversationID == "" {
		s.reject(cl, frame, "bad-frame", network.ErrMissingConversationID)
		return
	}

	switch frame.Kind {
	case network.KindJoin:
		err = s.handleJoin(cl, frame)
	case network.KindLeave:
		s.hub.leave(cl, frame.ConversationID)
	case network.KindSendMessage:
		err = s.handleSendMessage(cl, frame)
	case network.KindSendReadReceipt:
		err = s.handleSendReceipt(cl, frame)
	default:
		err = fmt.Errorf("%w: %q", network.ErrInvalidFrameKind, frame.Kind)
	}
	if err != nil {
		code := "bad-frame"
		if errors.Is(err, errForbidden) {
			code = "forbidden"
		}
		s.reject(cl, frame, code, err)
	}
}

func (s *Server) handleJoin(cl *client, frame network.Frame) error {
	if err := s.checkMember(cl.userID, frame.ConversationID); err != nil {
		return err
	}
	s.hub.join(cl, frame.ConversationID)
	return nil
}

func (s *Server) handleSendMessage(cl *client, frame network.Frame) error {
	if err := s.checkMember(cl.userID, frame.ConversationID); err != nil {
		return err
	}
	duplicate, err := s.seenBefore(cl.userID, frame.ID)
	if err != nil || duplicate {
		return err
	}

	var payload network.SendMessagePayload
	if err := network.DecodePayload(frame, &payload); err != nil {
		return err
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return errEmptyContent
	}

	id, err := s.nextID()
	if err != nil {
		return err
	}
	message := models.Message{
		ID:             id,
		ConversationID: frame.ConversationID,
		SenderID:       cl.userID,
		Content:        content,
		Timestamp:      s.now(),
	}
	if err := s.store.SaveMessage(message); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	event, err := network.EventFrame(models.Event{
		Kind:           models.EventChatMessage,
		ConversationID: message.ConversationID,
		ID:             message.ID,
		Timestamp:      message.Timestamp,
		Message:        &message,
	})
	if err != nil {
		return err
	}
	s.hub.BroadcastRoom(message.ConversationID, event, cl)
	return nil
}

func (s *Server) handleSendReceipt(cl *client, frame network.Frame) error {
	if err := s.checkMember(cl.userID, frame.ConversationID); err != nil {
		return err
	}
	var payload network.SendReadReceiptPayload
	if err := network.DecodePayload(frame, &payload); err != nil {
		return err
	}
	if payload.MessageID == "" {
		return errors.New("messageId is required")
	}

	id, err := s.nextID()
	if err != nil {
		return err
	}
	receipt := models.ReadReceipt{
		ID:             id,
		MessageID:      payload.MessageID,
		ConversationID: frame.ConversationID,
		ReaderID:       cl.userID,
		ReadAt:         s.now(),
	}
	if err := s.store.SaveReceipt(receipt); err != nil {
		return fmt.Errorf("save receipt: %w", err)
	}

	event, err := network.EventFrame(models.Event{
		Kind:           models.EventReadReceipt,
		ConversationID: receipt.ConversationID,
		ID:             receipt.ID,
		Timestamp:      receipt.ReadAt,
		Receipt:        &receipt,
	})
	if err != nil {
		return err
	}
	s.hub.BroadcastRoom(receipt.ConversationID, event)
	return nil
}

func (s *Server) checkMember(userID, conversationID string) error {
	member, err := s.store.IsParticipant(conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%s: %w", conversationID, errForbidden)
	}
	return nil
}

// seenBefore records frameID for userID and reports whether it was already handled.
// Frames without an id are never deduplicated.
func (s *Server) seenBefore(userID, frameID string) (bool, error) {
	if frameID == "" {
		return false, nil
	}
	key := userID + ":" + frameID
	seen, err := s.store.HasSeenID(key)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}
	return false, s.store.InsertSeenID(key, s.now().UnixMilli())
}

func (s *Server) reject(cl *client, frame network.Frame, code string, err error) {
	metrics.HubRejectedFrames.Inc()
	s.log.Warn("push frame rejected",
		zap.String("user_id", cl.userID),
		zap.String("kind", frame.Kind),
		zap.String("conversation_id", frame.ConversationID),
		zap.String("code", code),
		zap.Error(err),
	)
	reply, buildErr := network.NewFrame(network.KindError, frame.ConversationID, network.ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
	if buildErr != nil {
		return
	}
	reply.ID = frame.ID
	_ = cl.conn.Send(reply)
}
