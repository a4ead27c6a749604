package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"securechat/chat"
	"securechat/crypto"
	"securechat/models"
)

// Coder encrypts outbound and decrypts inbound message bodies.
type Coder interface {
	Encrypt(plain []byte, recipientKeys [][]byte, own *crypto.KeyMaterial) ([]byte, error)
	Decrypt(envelope []byte, own *crypto.KeyMaterial, senderKey []byte) ([]byte, models.CoderStatus)
}

// Transport hands one encoded message to the server for one recipient.
type Transport interface {
	Send(protocolID, address string, body []byte) error
}

// ContactBook resolves contacts and their public key rings.
type ContactBook interface {
	PublicKey(contactID int64) ([]byte, error)
	ResolveContact(address string) (models.Contact, []byte, error)
}

// Config wires a Center.
type Config struct {
	Registry *chat.Registry
	Tracker  *Tracker
	Coder    Coder
	Contacts ContactBook
	Keys     *crypto.KeyMaterial
	Auditor  Auditor
	Metrics  *Metrics
	Deps     models.Deps
	Log      *logging.Logger
}

// Center sends and receives messages and routes server events to the
// tracker. Conversations are one-to-one and keyed by the contact id.
type Center struct {
	registry *chat.Registry
	tracker  *Tracker
	coder    Coder
	contacts ContactBook
	keys     *crypto.KeyMaterial
	audit    Auditor
	metrics  *Metrics
	deps     models.Deps
	log      *logging.Logger

	mu        sync.RWMutex
	transport Transport
}

// NewCenter validates cfg and returns a center without transport.
func NewCenter(cfg Config) (*Center, error) {
	if cfg.Registry == nil {
		return nil, errors.New("delivery: registry is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("delivery: tracker is required")
	}
	if cfg.Coder == nil {
		return nil, errors.New("delivery: coder is required")
	}
	if cfg.Contacts == nil {
		return nil, errors.New("delivery: contact book is required")
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("center")
	}
	return &Center{
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		coder:    cfg.Coder,
		contacts: cfg.Contacts,
		keys:     cfg.Keys,
		audit:    cfg.Auditor,
		metrics:  cfg.Metrics,
		deps:     cfg.Deps,
		log:      cfg.Log,
	}, nil
}

// SetTransport installs the connection used for sending. A nil transport
// keeps new messages pending.
func (c *Center) SetTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func (c *Center) currentTransport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// Restore loads stored conversations so that late acknowledgments and
// receipts find their messages.
func (c *Center) Restore() error {
	_, err := c.registry.Restore()
	return err
}

// Chat returns the message store of a conversation.
func (c *Center) Chat(chatID int64) *chat.Messages {
	return c.registry.Get(chatID)
}

// SendText creates, stores and dispatches a text message.
func (c *Center) SendText(chatID int64, recipients []models.Contact, text string, encrypt bool) (*models.Message, error) {
	return c.submit(chatID, recipients, models.Content{Text: text}, encrypt)
}

// SendAttachment creates and stores a message carrying att. It is
// dispatched right away when att already has a URL, otherwise once
// UploadFinished is called.
func (c *Center) SendAttachment(chatID int64, recipients []models.Contact, att models.Attachment, text string, encrypt bool) (*models.Message, error) {
	return c.submit(chatID, recipients, models.Content{Text: text, Attachment: &att}, encrypt)
}

func (c *Center) submit(chatID int64, recipients []models.Contact, content models.Content, encrypt bool) (*models.Message, error) {
	if len(recipients) == 0 {
		return nil, errors.New("delivery: no recipients")
	}
	m := models.NewOutbound(c.deps, chatID, recipients, content, encrypt)
	msgs := c.registry.Get(chatID)
	msgs.Load()
	if err := m.Persist(); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("send message: %w", err)
		}
		c.log.Warningf("message %s: sending unsaved: %v", m.ProtocolID(), err)
	}
	if !msgs.Add(m) {
		return nil, fmt.Errorf("send message %s: %w", m.ProtocolID(), models.ErrConflict)
	}
	if uploading(m) {
		c.log.Debugf("message %s: waiting for upload", m.ProtocolID())
		return m, nil
	}
	c.dispatch(m)
	return m, nil
}

// UploadFinished completes the attachment of m and dispatches it.
func (c *Center) UploadFinished(m *models.Message, url, mimeType string, length int64) {
	m.SetUpload(url, mimeType, length)
	if m.Status() != models.StatusPending || uploading(m) {
		return
	}
	c.dispatch(m)
}

// ResendPending dispatches every pending message of a conversation again
// and returns how many were handed to the transport.
func (c *Center) ResendPending(chatID int64) int {
	n := 0
	for _, m := range c.registry.Get(chatID).Pending() {
		if uploading(m) {
			continue
		}
		if c.dispatch(m) {
			n++
		}
	}
	return n
}

// ResendAll dispatches the pending messages of every loaded conversation.
func (c *Center) ResendAll() int {
	n := 0
	for _, id := range c.registry.ChatIDs() {
		n += c.ResendPending(id)
	}
	return n
}

func uploading(m *models.Message) bool {
	att := m.Content().Attachment
	return att != nil && att.URL == ""
}

// dispatch encodes m and sends it once per transmission. Coder failures
// move m to error; transport failures leave it pending.
func (c *Center) dispatch(m *models.Message) bool {
	body, err := c.encode(m)
	if err != nil {
		c.log.Warningf("message %s: %v", m.ProtocolID(), err)
		m.AddCoderError(crypto.CodeOf(err))
		m.SetStatus(models.StatusError)
		c.metrics.inc(outbound, "coder_error")
		return false
	}

	transport := c.currentTransport()
	if transport == nil {
		c.log.Debugf("message %s: not connected, kept pending", m.ProtocolID())
		c.metrics.inc(outbound, "offline")
		return false
	}

	sent := true
	for _, t := range m.Transmissions() {
		if err := transport.Send(m.ProtocolID(), t.Address, body); err != nil {
			c.log.Warningf("message %s: can't send to %s: %v", m.ProtocolID(), t.Address, err)
			c.metrics.inc(outbound, "transport_error")
			sent = false
			continue
		}
		c.metrics.inc(outbound, "dispatched")
	}
	return sent
}

func (c *Center) encode(m *models.Message) ([]byte, error) {
	plain, err := encodePayload(m.Content())
	if err != nil {
		return nil, &crypto.CoderError{Code: models.CoderErrorInvalidData, Err: err}
	}
	if !m.CoderStatus().IsSecure() {
		return plain, nil
	}

	legs := m.Transmissions()
	keys := make([][]byte, 0, len(legs))
	for _, t := range legs {
		key, err := c.contacts.PublicKey(t.ContactID)
		if err != nil {
			return nil, &crypto.CoderError{
				Code: models.CoderErrorKeyUnavailable,
				Err:  fmt.Errorf("key of %s: %w", t.Address, err),
			}
		}
		keys = append(keys, key)
	}
	return c.coder.Encrypt(plain, keys, c.keys)
}

// OnInbound stores a message delivered by the server. It returns true when
// the message is stored, including when it was already known, and false
// when it can't be attributed to a contact.
func (c *Center) OnInbound(protocolID, from, receiptID string, date time.Time, body []byte) bool {
	contact, senderKey, err := c.contacts.ResolveContact(from)
	if err != nil {
		c.log.Warningf("inbound message %s from %s: %v", protocolID, from, err)
		c.metrics.inc(inbound, "unknown_sender")
		return false
	}

	chatID := contact.ID
	store := c.registry.Get(chatID)
	key := models.ConflictKey{ProtocolID: protocolID, Direction: models.Inbound}
	if _, ok := store.Get(key); ok {
		c.log.Debugf("inbound message %s already stored", protocolID)
		c.metrics.inc(inbound, "duplicate")
		return true
	}

	content, status := c.decode(protocolID, body, senderKey)
	m := models.NewInbound(c.deps, models.InboundParams{
		ChatID:     chatID,
		From:       contact,
		ProtocolID: protocolID,
		ReceiptID:  receiptID,
		Date:       date,
		Content:    content,
		Coder:      status,
	})

	if err := m.Persist(); err != nil {
		if errors.Is(err, models.ErrConflict) {
			c.log.Debugf("inbound message %s already persisted", protocolID)
			c.metrics.inc(inbound, "duplicate")
			return true
		}
		c.log.Warningf("inbound message %s: %v", protocolID, err)
	}
	if !store.Add(m) {
		c.metrics.inc(inbound, "duplicate")
		return true
	}

	if status.HasErrors() {
		c.metrics.inc(inbound, "coder_error")
		c.auditCoderFailure(contact.Address, protocolID, status)
	} else {
		c.metrics.inc(inbound, "stored")
	}
	return true
}

func (c *Center) decode(protocolID string, body, senderKey []byte) (models.Content, models.CoderStatus) {
	if !isEnvelope(body) {
		content, err := decodePayload(body)
		if err != nil {
			c.log.Debugf("inbound message %s: plain body: %v", protocolID, err)
			content = models.Content{Text: string(body)}
		}
		return content, models.Insecure()
	}

	plain, status := c.coder.Decrypt(body, c.keys, senderKey)
	if plain == nil {
		return models.Content{}, status
	}
	content, err := decodePayload(plain)
	if err != nil {
		c.log.Warningf("inbound message %s: undecodable payload: %v", protocolID, err)
		status = status.WithError(models.CoderErrorInvalidData)
		if status.Encryption == models.EncryptionDecrypted {
			status.Encryption = models.EncryptionDecryptedWithErrors
		}
		return models.Content{}, status
	}
	return content, status
}

func (c *Center) auditCoderFailure(address, protocolID string, status models.CoderStatus) {
	if c.audit == nil {
		return
	}
	errs := make([]string, len(status.Errors))
	for i, e := range status.Errors {
		errs[i] = string(e)
	}
	details := map[string]any{
		"protocol_id": protocolID,
		"encryption":  string(status.Encryption),
		"signing":     string(status.Signing),
		"errors":      errs,
	}
	if err := c.audit.AuditEvent(EventCoderFailure, severityWarning, address, details); err != nil {
		c.log.Warningf("can't record %s event: %v", EventCoderFailure, err)
	}
}

// OnSentAck forwards a server acknowledgment to the tracker.
func (c *Center) OnSentAck(protocolID, correlationID string) {
	c.tracker.OnSentAck(protocolID, correlationID)
}

// OnReceived forwards a delivery receipt to the tracker.
func (c *Center) OnReceived(correlationID, from string, at time.Time) {
	c.tracker.OnReceived(correlationID, from, at)
}

// OnServerError forwards a server error to the tracker.
func (c *Center) OnServerError(protocolID, condition, text string) {
	c.tracker.OnServerError(protocolID, condition, text)
}

// DeleteChat removes a conversation from memory and storage.
func (c *Center) DeleteChat(chatID int64) error {
	return c.registry.Delete(chatID)
}
