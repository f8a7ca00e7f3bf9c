package server

import (
	"errors"
	"net/http"
	"strings"

	"chatsync/models"
	"chatsync/network"
	"chatsync/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sessionRequest struct {
	UserID string `json:"userId"`
}

type participantRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	token, err := s.signer.Issue(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, network.SessionResponse{UserID: userID, Token: token})
}

func (s *Server) listConversations(c *gin.Context) {
	conversations, err := s.store.ListConversations(currentUser(c))
	if err != nil {
		s.internalError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, conversations)
}

func (s *Server) listMessages(c *gin.Context) {
	conversationID := c.Param("id")
	if !s.requireMember(c, conversationID) {
		return
	}
	messages, err := s.store.GetMessages(conversationID, storage.DefaultMessageLimit)
	if err != nil {
		s.internalError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) createConversation(c *gin.Context) {
	userID := currentUser(c)
	var req network.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type == "" {
		req.Type = models.ConversationDirectMessage
	}
	if req.Type != models.ConversationDirectMessage && req.Type != models.ConversationAnnouncement {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation type"})
		return
	}
	participants := models.NormalizeParticipants(append(req.Participants, userID))
	if len(participants) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one other participant is required"})
		return
	}

	now := s.now()
	conversation := models.Conversation{
		ID:           newConversationID(),
		Title:        strings.TrimSpace(req.Title),
		Type:         req.Type,
		Participants: participants,
	}
	if err := s.store.CreateConversation(conversation, now.UnixMilli()); err != nil {
		s.internalError(c, "create conversation", err)
		return
	}

	var first *models.Message
	if content := strings.TrimSpace(req.Message); content != "" {
		id, err := s.nextID()
		if err != nil {
			s.internalError(c, "create conversation", err)
			return
		}
		message := models.Message{
			ID:             id,
			ConversationID: conversation.ID,
			SenderID:       userID,
			Content:        content,
			Timestamp:      now,
		}
		if err := s.store.SaveMessage(message); err != nil {
			s.internalError(c, "save first message", err)
			return
		}
		first = &message
	}

	created, err := s.store.GetConversation(conversation.ID, userID)
	if err != nil {
		s.internalError(c, "reload conversation", err)
		return
	}

	s.log.Info("conversation created",
		zap.String("conversation_id", conversation.ID),
		zap.String("creator", userID),
		zap.Int("participants", len(participants)),
	)
	s.announceConversation(conversation.ID, participants)

	c.JSON(http.StatusCreated, network.CreateConversationResponse{Conversation: *created, Message: first})
}

func (s *Server) updateConversation(c *gin.Context) {
	userID := currentUser(c)
	conversationID := c.Param("id")
	var req network.ConversationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.store.UpdateConversation(conversationID, userID, storage.ConversationUpdate{
		Title:    req.Title,
		Archived: req.Archived,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		s.internalError(c, "update conversation", err)
		return
	}

	updated, err := s.store.GetConversation(conversationID, userID)
	if err != nil {
		s.internalError(c, "reload conversation", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) addParticipant(c *gin.Context) {
	userID := currentUser(c)
	conversationID := c.Param("id")
	if !s.requireMember(c, conversationID) {
		return
	}
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	added := strings.TrimSpace(req.UserID)

	if err := s.store.AddParticipant(conversationID, added); err != nil {
		s.internalError(c, "add participant", err)
		return
	}
	s.announceConversation(conversationID, []string{added})

	updated, err := s.store.GetConversation(conversationID, userID)
	if err != nil {
		s.internalError(c, "reload conversation", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// announceConversation pushes a create-conversation event to each online user, built
// from that user's own view of the conversation.
func (s *Server) announceConversation(conversationID string, userIDs []string) {
	for _, userID := range userIDs {
		if !s.hub.Online(userID) {
			continue
		}
		view, err := s.store.GetConversation(conversationID, userID)
		if err != nil {
			s.log.Warn("load conversation for announce",
				zap.String("conversation_id", conversationID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		frame, err := createConversationEvent(*view, s.now())
		if err != nil {
			s.log.Error("encode create-conversation event", zap.Error(err))
			continue
		}
		s.hub.SendToUsers([]string{userID}, frame)
	}
}

func (s *Server) requireMember(c *gin.Context, conversationID string) bool {
	member, err := s.store.IsParticipant(conversationID, currentUser(c))
	if err != nil {
		s.internalError(c, "check participant", err)
		return false
	}
	if !member {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return false
	}
	return true
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}
