package storage

import (
	"errors"
	"fmt"

	"chatsync/models"
)

// SaveReceipt inserts a read receipt. The message must belong to the receipt's
// conversation.
func (s *Store) SaveReceipt(receipt models.ReadReceipt) error {
	if receipt.ID == "" {
		return errors.New("receipt_id is required")
	}
	if receipt.ReaderID == "" {
		return errors.New("reader_id is required")
	}

	message, err := s.GetMessageByID(receipt.MessageID)
	if err != nil {
		return fmt.Errorf("receipt %q: %w", receipt.ID, err)
	}
	if receipt.ConversationID == "" {
		receipt.ConversationID = message.ConversationID
	}
	if receipt.ConversationID != message.ConversationID {
		return fmt.Errorf("receipt %q: message %q is not in conversation %q", receipt.ID, receipt.MessageID, receipt.ConversationID)
	}

	if _, err := s.db.Exec(
		`INSERT INTO read_receipts (receipt_id, message_id, conversation_id, reader_id, read_at)
		VALUES (?, ?, ?, ?, ?)`,
		receipt.ID,
		receipt.MessageID,
		receipt.ConversationID,
		receipt.ReaderID,
		toUnixMilli(receipt.ReadAt),
	); err != nil {
		return fmt.Errorf("insert receipt %q: %w", receipt.ID, err)
	}
	return nil
}

// GetReceipts returns every receipt of a conversation, oldest first.
func (s *Store) GetReceipts(conversationID string) ([]models.ReadReceipt, error) {
	rows, err := s.db.Query(
		`SELECT receipt_id, message_id, conversation_id, reader_id, read_at
		FROM read_receipts
		WHERE conversation_id = ?
		ORDER BY read_at ASC, receipt_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get receipts for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	receipts := make([]models.ReadReceipt, 0)
	for rows.Next() {
		var (
			receipt models.ReadReceipt
			readAt  int64
		)
		if err := rows.Scan(
			&receipt.ID,
			&receipt.MessageID,
			&receipt.ConversationID,
			&receipt.ReaderID,
			&readAt,
		); err != nil {
			return nil, fmt.Errorf("scan receipt row: %w", err)
		}
		receipt.ReadAt = fromUnixMilli(readAt)
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipt rows: %w", err)
	}
	return receipts, nil
}
