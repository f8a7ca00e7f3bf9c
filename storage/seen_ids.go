package storage

import (
	"errors"
	"fmt"
)

// InsertSeenID remembers an inbound push frame key (sender and client frame id) so a
// send-message resent after a reconnect is not stored twice. Re-inserting refreshes
// receivedAt, which keeps an actively retried key alive past pruning.
func (s *Store) InsertSeenID(frameID string, receivedAt int64) error {
	if frameID == "" {
		return errors.New("frame_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_frame_ids (frame_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET received_at = excluded.received_at`,
		frameID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen frame ID %q: %w", frameID, err)
	}

	return nil
}

// HasSeenID reports whether the push hub already accepted a frame with this key.
func (s *Store) HasSeenID(frameID string) (bool, error) {
	if frameID == "" {
		return false, errors.New("frame_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_frame_ids WHERE frame_id = ?)`,
		frameID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen frame ID %q: %w", frameID, err)
	}

	return exists == 1, nil
}

// PruneOldEntries forgets frame keys received before cutoffTimestamp (unix millis).
// The checkpoint loop calls it with the configured retention window.
func (s *Store) PruneOldEntries(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_frame_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen frame IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
