package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatsync/models"
)

// SaveMessage inserts a confirmed message row.
func (s *Store) SaveMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if strings.TrimSpace(message.Content) == "" {
		return errors.New("content is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			content,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		toUnixMilli(message.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// GetMessageByID fetches one message by message ID, without receipts.
func (s *Store) GetMessageByID(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			content,
			timestamp
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetMessages returns the newest limit messages of a conversation, newest first, each
// carrying its read receipts.
func (s *Store) GetMessages(conversationID string, limit int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			content,
			timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT ?`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}

	messages := make([]models.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		index[message.ID] = len(messages)
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	_ = rows.Close()

	receipts, err := s.GetReceipts(conversationID)
	if err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		if i, ok := index[receipt.MessageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, receipt)
		}
	}

	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		timestamp int64
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Content,
		&timestamp,
	); err != nil {
		return nil, err
	}
	message.Timestamp = fromUnixMilli(timestamp)
	return &message, nil
}
