package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrConflict is returned by a Persister when a row with the same identity
// already exists. Callers treat the message as already handled.
var ErrConflict = errors.New("models: conflicting record")

const (
	TableMessages      = "messages"
	TableTransmissions = "transmissions"
)

// MessageColumns is the value order expected by Insert into TableMessages.
var MessageColumns = []string{
	"chat_id",
	"protocol_id",
	"direction",
	"status",
	"contact_id",
	"address",
	"receipt_id",
	"created_timestamp",
	"server_timestamp",
	"content_text",
	"attachment",
	"encryption",
	"signing",
	"coder_errors",
	"error_condition",
	"error_text",
}

// TransmissionColumns is the value order expected by Insert into
// TableTransmissions.
var TransmissionColumns = []string{
	"message_id",
	"contact_id",
	"address",
	"received_timestamp",
}

// Persister is the backing store contract. Failures are logged by the
// caller; in-memory state advances regardless.
type Persister interface {
	Insert(table string, values []any) (int64, error)
	Update(table string, fields map[string]any, id int64) error
}

// MessageRow is a persisted message as loaded from the backing store.
type MessageRow struct {
	ID             int64
	ChatID         int64
	ProtocolID     string
	Direction      string
	Status         string
	ContactID      int64
	Address        string
	ReceiptID      string
	Created        int64
	ServerDate     *int64
	Text           string
	Attachment     []byte
	Encryption     string
	Signing        string
	CoderErrors    []byte
	ErrorCondition *string
	ErrorText      *string
	Transmissions  []TransmissionRow
}

// TransmissionRow is a persisted recipient leg.
type TransmissionRow struct {
	ID        int64
	MessageID int64
	ContactID int64
	Address   string
	Received  *int64
}

// FromRow rebuilds a message loaded from the backing store.
func FromRow(deps Deps, row MessageRow) (*Message, error) {
	direction := Direction(row.Direction)
	if !direction.Valid() {
		return nil, fmt.Errorf("message %d: invalid direction %q", row.ID, row.Direction)
	}
	status := Status(row.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("message %d: invalid status %q", row.ID, row.Status)
	}

	m := newMessage(deps, row.ChatID, direction, row.ProtocolID, fromMillis(&row.Created))
	m.id = row.ID
	m.status = status
	m.contact = Contact{ID: row.ContactID, Address: row.Address}
	m.receiptID = row.ReceiptID
	m.serverDate = fromMillis(row.ServerDate)
	m.content.Text = row.Text
	m.coder = CoderStatus{Encryption: Encryption(row.Encryption), Signing: Signing(row.Signing)}

	if len(row.Attachment) > 0 {
		var att Attachment
		if err := cbor.Unmarshal(row.Attachment, &att); err != nil {
			return nil, fmt.Errorf("message %d: decode attachment: %w", row.ID, err)
		}
		m.content.Attachment = &att
	}
	if len(row.CoderErrors) > 0 {
		if err := cbor.Unmarshal(row.CoderErrors, &m.coder.Errors); err != nil {
			return nil, fmt.Errorf("message %d: decode coder errors: %w", row.ID, err)
		}
	}
	if row.ErrorCondition != nil || row.ErrorText != nil {
		se := &ServerError{}
		if row.ErrorCondition != nil {
			se.Condition = *row.ErrorCondition
		}
		if row.ErrorText != nil {
			se.Text = *row.ErrorText
		}
		m.serverErr = se
	}

	for _, tr := range row.Transmissions {
		m.transmissions = append(m.transmissions, Transmission{
			ID:        tr.ID,
			ContactID: tr.ContactID,
			Address:   tr.Address,
			Received:  fromMillis(tr.Received),
		})
	}

	return m, nil
}

// rowValues returns the insert values in MessageColumns order. Callers hold m.mu.
func (m *Message) rowValues() ([]any, error) {
	fields, err := m.updateFields()
	if err != nil {
		return nil, err
	}
	return []any{
		m.chatID,
		m.protocolID,
		string(m.direction),
		fields["status"],
		m.contact.ID,
		m.contact.Address,
		fields["receipt_id"],
		m.date.UnixMilli(),
		fields["server_timestamp"],
		m.content.Text,
		fields["attachment"],
		fields["encryption"],
		fields["signing"],
		fields["coder_errors"],
		fields["error_condition"],
		fields["error_text"],
	}, nil
}

// updateFields returns the mutable columns of the message. Callers hold m.mu.
func (m *Message) updateFields() (map[string]any, error) {
	var attachment, coderErrors any
	if m.content.Attachment != nil {
		raw, err := cbor.Marshal(m.content.Attachment)
		if err != nil {
			return nil, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = raw
	}
	if len(m.coder.Errors) > 0 {
		raw, err := cbor.Marshal(m.coder.Errors)
		if err != nil {
			return nil, fmt.Errorf("encode coder errors: %w", err)
		}
		coderErrors = raw
	}

	var condition, text any
	if m.serverErr != nil {
		condition = m.serverErr.Condition
		text = m.serverErr.Text
	}

	return map[string]any{
		"status":           string(m.status),
		"receipt_id":       m.receiptID,
		"server_timestamp": toMillis(m.serverDate),
		"attachment":       attachment,
		"encryption":       string(m.coder.Encryption),
		"signing":          string(m.coder.Signing),
		"coder_errors":     coderErrors,
		"error_condition":  condition,
		"error_text":       text,
	}, nil
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms *int64) time.Time {
	if ms == nil || *ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
