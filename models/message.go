package models

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"
)

var (
	// ErrNotOutbound is returned by operations valid only on outbound messages.
	ErrNotOutbound = errors.New("models: not an outbound message")
	// ErrNoTransmission indicates a receipt from an address that is not a recipient.
	ErrNoTransmission = errors.New("models: no transmission for address")
	// ErrServerErrorSet indicates the message already carries a server error.
	ErrServerErrorSet = errors.New("models: server error already set")
)

// Deps are the collaborators a message reports to. A nil Store keeps the
// message in memory only.
type Deps struct {
	Store Persister
	Log   *logging.Logger
}

func (d Deps) logger() *logging.Logger {
	if d.Log != nil {
		return d.Log
	}
	return logging.MustGetLogger("message")
}

// OrderKey is the position of a message in a conversation timeline.
type OrderKey struct {
	Date       time.Time
	ID         int64
	ProtocolID string
}

// Less reports whether k sorts before o.
func (k OrderKey) Less(o OrderKey) bool {
	if !k.Date.Equal(o.Date) {
		return k.Date.Before(o.Date)
	}
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	return k.ProtocolID < o.ProtocolID
}

// ConflictKey identifies equal messages: same protocol id and direction.
type ConflictKey struct {
	ProtocolID string
	Direction  Direction
}

// Message is one inbound or outbound chat message.
//
// Identity fields are immutable. Delivery state is guarded by mu, and
// readers get copies. Persistence runs after mu is released and is
// serialized per message by saveMu.
type Message struct {
	chatID     int64
	direction  Direction
	protocolID string
	date       time.Time

	mu            sync.RWMutex
	id            int64
	contact       Contact
	status        Status
	receiptID     string
	serverDate    time.Time
	content       Content
	coder         CoderStatus
	serverErr     *ServerError
	transmissions []Transmission

	saveMu sync.Mutex
	store  Persister
	log    *logging.Logger
	events Notifier
}

func newMessage(deps Deps, chatID int64, direction Direction, protocolID string, date time.Time) *Message {
	return &Message{
		chatID:     chatID,
		direction:  direction,
		protocolID: protocolID,
		date:       date,
		store:      deps.Store,
		log:        deps.logger(),
	}
}

// NewOutbound creates a pending outbound message with one transmission per
// distinct recipient. Nothing is persisted or sent.
func NewOutbound(deps Deps, chatID int64, recipients []Contact, content Content, encrypt bool) *Message {
	m := newMessage(deps, chatID, Outbound, uuid.NewString(), time.Now())
	m.status = StatusPending
	m.content = content.clone()
	m.coder = Insecure()
	if encrypt {
		m.coder = ToEncrypt()
	}

	seen := make(map[int64]struct{}, len(recipients))
	for _, r := range recipients {
		if _, ok := seen[r.ID]; ok {
			m.log.Warningf("message %s: duplicate recipient contact %d dropped", m.protocolID, r.ID)
			continue
		}
		seen[r.ID] = struct{}{}
		m.transmissions = append(m.transmissions, Transmission{ContactID: r.ID, Address: r.Address})
	}

	return m
}

// InboundParams describes a message delivered by a peer.
type InboundParams struct {
	ChatID     int64
	From       Contact
	ProtocolID string
	ReceiptID  string
	Date       time.Time
	Content    Content
	Coder      CoderStatus
}

// NewInbound creates a received message. A zero Date is replaced by the
// local receive time.
func NewInbound(deps Deps, p InboundParams) *Message {
	date := p.Date
	if date.IsZero() {
		date = time.Now()
	}
	m := newMessage(deps, p.ChatID, Inbound, p.ProtocolID, date)
	m.status = StatusIn
	m.contact = p.From
	m.receiptID = p.ReceiptID
	m.serverDate = p.Date
	m.content = p.Content.clone()
	m.coder = p.Coder.clone()
	return m
}

func (m *Message) ChatID() int64        { return m.chatID }
func (m *Message) ProtocolID() string   { return m.protocolID }
func (m *Message) Direction() Direction { return m.direction }
func (m *Message) IsOutbound() bool     { return m.direction == Outbound }

// Date is the creation date of outbound and the peer-supplied date of
// inbound messages.
func (m *Message) Date() time.Time { return m.date }

// Key returns the conflict key of the message.
func (m *Message) Key() ConflictKey {
	return ConflictKey{ProtocolID: m.protocolID, Direction: m.direction}
}

// Equal reports whether both messages share protocol id and direction.
func (m *Message) Equal(o *Message) bool {
	return o != nil && m.Key() == o.Key()
}

// Subscribe registers a listener for changes of this message.
func (m *Message) Subscribe(l Listener) func() {
	return m.events.Subscribe(l)
}

// ID returns the local id, zero until the message was persisted.
func (m *Message) ID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Order returns the current timeline position.
func (m *Message) Order() OrderKey {
	return OrderKey{Date: m.date, ID: m.ID(), ProtocolID: m.protocolID}
}

// Contact returns the sender of an inbound message.
func (m *Message) Contact() Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contact
}

// Status returns the stored delivery status.
func (m *Message) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Message) ReceiptID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.receiptID
}

func (m *Message) ServerDate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverDate
}

func (m *Message) Content() Content {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.content.clone()
}

func (m *Message) CoderStatus() CoderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coder.clone()
}

// ServerError returns the error reported by the server, if any.
func (m *Message) ServerError() (ServerError, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.serverErr == nil {
		return ServerError{}, false
	}
	return *m.serverErr, true
}

// Transmissions returns a snapshot of the recipient legs.
func (m *Message) Transmissions() []Transmission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transmission(nil), m.transmissions...)
}

// AggregateStatus derives the delivery status across all recipients as the
// minimum of the per-leg states. A leg counts as received only once the
// message itself is sent. Errors dominate.
func (m *Message) AggregateStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggregateLocked()
}

func (m *Message) aggregateLocked() Status {
	if m.direction == Inbound || m.status == StatusError || len(m.transmissions) == 0 {
		return m.status
	}
	agg := StatusReceived
	for _, t := range m.transmissions {
		leg := m.status
		if t.IsReceived() && m.status == StatusSent {
			leg = StatusReceived
		}
		if leg.rank() < agg.rank() {
			agg = leg
		}
	}
	return agg
}

// SetStatus sets the outbound status. Received and in are derived or
// inbound-only and are rejected. Error is terminal and nothing returns to
// pending.
func (m *Message) SetStatus(status Status) {
	if status == StatusIn || status == StatusReceived || !status.Valid() {
		m.log.Warningf("message %s: refusing to set status %q", m.protocolID, status)
		return
	}
	if m.direction != Outbound {
		m.log.Warningf("message %s: status change on inbound message", m.protocolID)
		return
	}

	m.mu.Lock()
	prev := m.status
	if prev == StatusError || (status == StatusPending && prev != StatusPending) {
		m.mu.Unlock()
		m.log.Warningf("message %s: refusing transition %s -> %s", m.protocolID, prev, status)
		return
	}
	m.status = status
	if status != StatusPending {
		m.serverDate = time.Now()
	}
	m.mu.Unlock()

	if status == StatusSent && prev != StatusPending {
		m.log.Warningf("message %s: unexpected transition %s -> %s", m.protocolID, prev, status)
	}
	m.save()
	m.events.Emit(StatusChangedEvent{Message: m, Status: status})
}

// SetSentAck records the server acknowledgment and its receipt correlation
// id. Only a pending message transitions to sent; any other state is logged
// and keeps its status. The first correlation id wins.
func (m *Message) SetSentAck(receiptID string) (bool, error) {
	if m.direction != Outbound {
		return false, ErrNotOutbound
	}

	m.mu.Lock()
	prev := m.status
	if m.receiptID == "" {
		m.receiptID = receiptID
	}
	if prev != StatusPending {
		recorded := m.receiptID
		m.mu.Unlock()
		m.log.Warningf("message %s: unexpected sent ack in status %s (receipt %q, recorded %q)",
			m.protocolID, prev, receiptID, recorded)
		return false, nil
	}
	m.status = StatusSent
	m.serverDate = time.Now()
	agg := m.aggregateLocked()
	m.mu.Unlock()

	m.log.Debugf("message %s: sent, receipt %q", m.protocolID, receiptID)
	m.save()
	m.events.Emit(StatusChangedEvent{Message: m, Status: StatusSent})
	if agg == StatusReceived {
		m.events.Emit(StatusChangedEvent{Message: m, Status: StatusReceived})
	}
	return true, nil
}

// SetReceived marks the transmission to from's bare address as received.
// A leg already received is left untouched and false is returned.
func (m *Message) SetReceived(from string, at time.Time) (bool, error) {
	if m.direction != Outbound {
		return false, ErrNotOutbound
	}
	if at.IsZero() {
		at = time.Now()
	}
	bare := BareAddress(from)

	m.mu.Lock()
	idx := -1
	for i, t := range m.transmissions {
		if BareAddress(t.Address) == bare {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false, fmt.Errorf("message %s from %q: %w", m.protocolID, from, ErrNoTransmission)
	}
	if m.transmissions[idx].IsReceived() {
		m.mu.Unlock()
		m.log.Debugf("message %s: duplicate receipt from %s", m.protocolID, bare)
		return false, nil
	}
	m.transmissions[idx].Received = at
	t := m.transmissions[idx]
	agg := m.aggregateLocked()
	m.mu.Unlock()

	m.saveTransmission(t)
	m.events.Emit(TransmissionUpdatedEvent{Message: m, Transmission: t})
	if agg == StatusReceived {
		m.events.Emit(StatusChangedEvent{Message: m, Status: StatusReceived})
	}
	return true, nil
}

// SetServerError attaches the server-reported error and moves the message
// to error. Only one error is kept per message.
func (m *Message) SetServerError(condition, text string) error {
	if m.direction != Outbound {
		return ErrNotOutbound
	}

	m.mu.Lock()
	if m.serverErr != nil {
		existing := *m.serverErr
		m.mu.Unlock()
		m.log.Warningf("message %s: ignoring server error %q, already has %q",
			m.protocolID, condition, existing.Condition)
		return ErrServerErrorSet
	}
	prev := m.status
	m.serverErr = &ServerError{Condition: condition, Text: text}
	m.status = StatusError
	m.serverDate = time.Now()
	m.mu.Unlock()

	if prev != StatusSent {
		m.log.Warningf("message %s: unexpected server error in status %s", m.protocolID, prev)
	}
	m.log.Infof("message %s: server error %q: %s", m.protocolID, condition, text)
	m.save()
	m.events.Emit(StatusChangedEvent{Message: m, Status: StatusError})
	return nil
}

// AddCoderError records an encryption layer failure.
func (m *Message) AddCoderError(code CoderError) {
	m.mu.Lock()
	m.coder = m.coder.WithError(code)
	m.mu.Unlock()
	m.save()
}

// SetUpload completes an attachment upload. Without an attachment it does
// nothing; the send may have been cancelled meanwhile.
func (m *Message) SetUpload(url, mimeType string, length int64) {
	m.mu.Lock()
	if m.content.Attachment == nil {
		m.mu.Unlock()
		m.log.Debugf("message %s: upload finished without attachment", m.protocolID)
		return
	}
	m.content.Attachment.URL = url
	m.content.Attachment.MimeType = mimeType
	m.content.Attachment.Length = length
	att := *m.content.Attachment
	m.mu.Unlock()

	m.save()
	m.events.Emit(UploadUpdatedEvent{Message: m, Attachment: att})
}

// Persist inserts the message and its transmissions into the store,
// assigning the local id. It returns an error wrapping ErrConflict when an
// equal message is already stored. Persisting twice is a no-op.
func (m *Message) Persist() error {
	if m.store == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	if m.id != 0 {
		m.mu.RUnlock()
		return nil
	}
	values, err := m.rowValues()
	legs := append([]Transmission(nil), m.transmissions...)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("persist message %s: %w", m.protocolID, err)
	}

	id, err := m.store.Insert(TableMessages, values)
	if err != nil {
		return fmt.Errorf("persist message %s: %w", m.protocolID, err)
	}
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()

	for i, t := range legs {
		tid, err := m.store.Insert(TableTransmissions, []any{id, t.ContactID, t.Address, toMillis(t.Received)})
		if err != nil {
			m.log.Warningf("message %s: can't persist transmission to %s: %v", m.protocolID, t.Address, err)
			continue
		}
		m.mu.Lock()
		m.transmissions[i].ID = tid
		m.mu.Unlock()
	}

	return nil
}

func (m *Message) save() {
	if m.store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	id := m.id
	fields, err := m.updateFields()
	m.mu.RUnlock()
	if id == 0 {
		return
	}
	if err != nil {
		m.log.Warningf("message %s: %v", m.protocolID, err)
		return
	}
	if err := m.store.Update(TableMessages, fields, id); err != nil {
		m.log.Warningf("message %s: can't save: %v", m.protocolID, err)
	}
}

func (m *Message) saveTransmission(t Transmission) {
	if m.store == nil || t.ID == 0 {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	fields := map[string]any{"received_timestamp": toMillis(t.Received)}
	if err := m.store.Update(TableTransmissions, fields, t.ID); err != nil {
		m.log.Warningf("message %s: can't save transmission %d: %v", m.protocolID, t.ID, err)
	}
}
