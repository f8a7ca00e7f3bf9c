package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatsync/models"
)

// CreateConversation inserts a conversation and its participants.
func (s *Store) CreateConversation(conversation models.Conversation, createdAt int64) error {
	if conversation.ID == "" {
		return errors.New("conversation_id is required")
	}
	if conversation.Type == "" {
		conversation.Type = models.ConversationDirectMessage
	}
	if err := validateConversationType(conversation.Type); err != nil {
		return err
	}
	participants := models.NormalizeParticipants(conversation.Participants)
	if len(participants) == 0 {
		return errors.New("at least one participant is required")
	}
	if createdAt == 0 {
		createdAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create conversation %q: %w", conversation.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO conversations (conversation_id, title, type, created_at)
		VALUES (?, ?, ?, ?)`,
		conversation.ID,
		strings.TrimSpace(conversation.Title),
		string(conversation.Type),
		createdAt,
	); err != nil {
		return fmt.Errorf("insert conversation %q: %w", conversation.ID, err)
	}

	for _, userID := range participants {
		if _, err := tx.Exec(
			`INSERT INTO participants (conversation_id, user_id, archived, joined_at)
			VALUES (?, ?, 0, ?)`,
			conversation.ID,
			userID,
			createdAt,
		); err != nil {
			return fmt.Errorf("insert participant %q into %q: %w", userID, conversation.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create conversation %q: %w", conversation.ID, err)
	}
	return nil
}

// GetConversation returns one conversation as seen by viewerID.
func (s *Store) GetConversation(conversationID, viewerID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if viewerID == "" {
		return nil, errors.New("viewer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT c.conversation_id, c.title, c.type, p.archived
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.conversation_id
		WHERE c.conversation_id = ? AND p.user_id = ?`,
		conversationID,
		viewerID,
	)
	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	if err := s.fillConversation(conversation, viewerID); err != nil {
		return nil, err
	}
	return conversation, nil
}

// ListConversations returns every conversation viewerID participates in, newest
// activity first, with participants, last-message preview and unread count.
func (s *Store) ListConversations(viewerID string) ([]models.Conversation, error) {
	if viewerID == "" {
		return nil, errors.New("viewer_id is required")
	}

	rows, err := s.db.Query(
		`SELECT c.conversation_id, c.title, c.type, p.archived
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.conversation_id
		WHERE p.user_id = ?
		ORDER BY COALESCE(
			(SELECT MAX(m.timestamp) FROM messages m WHERE m.conversation_id = c.conversation_id),
			c.created_at
		) DESC, c.conversation_id DESC`,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %q: %w", viewerID, err)
	}

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	_ = rows.Close()

	for i := range conversations {
		if err := s.fillConversation(&conversations[i], viewerID); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

// UpdateConversation applies update for viewerID. Archived only changes the viewer's
// own participant row.
func (s *Store) UpdateConversation(conversationID, viewerID string, update ConversationUpdate) error {
	member, err := s.IsParticipant(conversationID, viewerID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotFound
	}

	if update.Title != nil {
		if _, err := s.db.Exec(
			`UPDATE conversations SET title = ? WHERE conversation_id = ?`,
			strings.TrimSpace(*update.Title),
			conversationID,
		); err != nil {
			return fmt.Errorf("update title for %q: %w", conversationID, err)
		}
	}
	if update.Archived != nil {
		if _, err := s.db.Exec(
			`UPDATE participants SET archived = ? WHERE conversation_id = ? AND user_id = ?`,
			boolToInt(*update.Archived),
			conversationID,
			viewerID,
		); err != nil {
			return fmt.Errorf("update archived for %q: %w", conversationID, err)
		}
	}
	return nil
}

// AddParticipant adds userID to a conversation. Adding an existing member is a no-op.
func (s *Store) AddParticipant(conversationID, userID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE conversation_id = ?)`,
		conversationID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation %q: %w", conversationID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := s.db.Exec(
		`INSERT INTO participants (conversation_id, user_id, archived, joined_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		conversationID,
		userID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("add participant %q to %q: %w", userID, conversationID, err)
	}
	return nil
}

// IsParticipant reports whether userID is a member of conversationID.
func (s *Store) IsParticipant(conversationID, userID string) (bool, error) {
	if conversationID == "" {
		return false, errors.New("conversation_id is required")
	}
	if userID == "" {
		return false, errors.New("user_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?)`,
		conversationID,
		userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check participant %q in %q: %w", userID, conversationID, err)
	}
	return exists == 1, nil
}

// Participants returns the sorted member ids of a conversation.
func (s *Store) Participants(conversationID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants of %q: %w", conversationID, err)
	}
	defer rows.Close()

	participants := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

func (s *Store) fillConversation(conversation *models.Conversation, viewerID string) error {
	participants, err := s.Participants(conversation.ID)
	if err != nil {
		return err
	}
	conversation.Participants = participants

	preview, err := s.lastMessagePreview(conversation.ID)
	if err != nil {
		return err
	}
	conversation.LastMessagePreview = preview

	unread, err := s.UnreadCount(conversation.ID, viewerID)
	if err != nil {
		return err
	}
	conversation.UnreadCount = unread
	return nil
}

func (s *Store) lastMessagePreview(conversationID string) (*models.Preview, error) {
	var (
		senderID  string
		content   string
		timestamp int64
	)
	err := s.db.QueryRow(
		`SELECT sender_id, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT 1`,
		conversationID,
	).Scan(&senderID, &content, &timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last message of %q: %w", conversationID, err)
	}
	return models.NewPreview(senderID, content, fromUnixMilli(timestamp)), nil
}

// UnreadCount counts messages from others newer than viewerID's read watermark. The
// watermark is the later of the message behind the viewer's newest receipt and the
// viewer's own newest message.
func (s *Store) UnreadCount(conversationID, viewerID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1)
		FROM messages m
		WHERE m.conversation_id = ?1
		  AND m.sender_id <> ?2
		  AND m.timestamp > MAX(
			COALESCE((
				SELECT MAX(rm.timestamp)
				FROM read_receipts r
				JOIN messages rm ON rm.message_id = r.message_id
				WHERE r.conversation_id = ?1 AND r.reader_id = ?2
			), 0),
			COALESCE((
				SELECT MAX(own.timestamp)
				FROM messages own
				WHERE own.conversation_id = ?1 AND own.sender_id = ?2
			), 0)
		  )`,
		conversationID,
		viewerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count for %q in %q: %w", viewerID, conversationID, err)
	}
	return count, nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation     models.Conversation
		conversationType string
		archived         int
	)
	if err := row.Scan(
		&conversation.ID,
		&conversation.Title,
		&conversationType,
		&archived,
	); err != nil {
		return nil, err
	}
	conversation.Type = models.ConversationType(conversationType)
	conversation.Archived = archived == 1
	return &conversation, nil
}
