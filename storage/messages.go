package storage

import (
	"database/sql"
	"fmt"

	"securechat/models"
)

const messageSelect = `SELECT
	message_id,
	chat_id,
	protocol_id,
	direction,
	status,
	contact_id,
	address,
	receipt_id,
	created_timestamp,
	server_timestamp,
	content_text,
	attachment,
	encryption,
	signing,
	coder_errors,
	error_condition,
	error_text
FROM messages`

// LoadChatMessages returns all messages of a conversation with their
// transmissions, ordered by creation time and id.
func (s *Store) LoadChatMessages(chatID int64) ([]models.MessageRow, error) {
	rows, err := s.db.Query(
		messageSelect+` WHERE chat_id = ? ORDER BY created_timestamp ASC, message_id ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]models.MessageRow, 0)
	byID := make(map[int64]int)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		byID[message.ID] = len(messages)
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	trows, err := s.db.Query(
		`SELECT
			t.transmission_id,
			t.message_id,
			t.contact_id,
			t.address,
			t.received_timestamp
		FROM transmissions t
		JOIN messages m ON m.message_id = t.message_id
		WHERE m.chat_id = ?
		ORDER BY t.message_id, t.transmission_id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("get transmissions for chat %d: %w", chatID, err)
	}
	defer trows.Close()

	for trows.Next() {
		var (
			tr       models.TransmissionRow
			received sql.NullInt64
		)
		if err := trows.Scan(&tr.ID, &tr.MessageID, &tr.ContactID, &tr.Address, &received); err != nil {
			return nil, fmt.Errorf("scan transmission row: %w", err)
		}
		tr.Received = int64Ptr(received)
		if i, ok := byID[tr.MessageID]; ok {
			messages[i].Transmissions = append(messages[i].Transmissions, tr)
		}
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transmission rows: %w", err)
	}

	return messages, nil
}

// ListChatIDs returns the ids of all conversations holding messages.
func (s *Store) ListChatIDs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT DISTINCT chat_id FROM messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat ids: %w", err)
	}
	return ids, nil
}

// DeleteChat removes every message of a conversation. Transmissions cascade.
func (s *Store) DeleteChat(chatID int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete chat %d: %w", chatID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete chat %d: %w", chatID, err)
	}
	return rowsAffected, nil
}

func scanMessage(row scanner) (*models.MessageRow, error) {
	var (
		message        models.MessageRow
		serverDate     sql.NullInt64
		errorCondition sql.NullString
		errorText      sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.ChatID,
		&message.ProtocolID,
		&message.Direction,
		&message.Status,
		&message.ContactID,
		&message.Address,
		&message.ReceiptID,
		&message.Created,
		&serverDate,
		&message.Text,
		&message.Attachment,
		&message.Encryption,
		&message.Signing,
		&message.CoderErrors,
		&errorCondition,
		&errorText,
	); err != nil {
		return nil, err
	}

	message.ServerDate = int64Ptr(serverDate)
	message.ErrorCondition = stringPtr(errorCondition)
	message.ErrorText = stringPtr(errorText)
	return &message, nil
}
