package delivery

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"securechat/chat"
	"securechat/crypto"
	"securechat/log"
	"securechat/models"
)

var (
	alice = models.Contact{ID: 1, Address: "alice@example.org"}
	bob   = models.Contact{ID: 2, Address: "bob@example.org"}
)

type auditRecord struct {
	eventType string
	severity  string
	address   string
	details   map[string]any
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []auditRecord
}

func (a *fakeAuditor) AuditEvent(eventType, severity, contactAddress string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, auditRecord{eventType, severity, contactAddress, details})
	return nil
}

func (a *fakeAuditor) recorded() []auditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditRecord(nil), a.events...)
}

type sent struct {
	protocolID string
	address    string
	body       []byte
}

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	sends []sent
}

func (f *fakeTransport) Send(protocolID, address string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sent{protocolID, address, append([]byte(nil), body...)})
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sends...)
}

// fakeCoder wraps plaintext in an armor header instead of encrypting.
type fakeCoder struct {
	mu        sync.Mutex
	encErr    error
	decStatus models.CoderStatus
	lastKeys  [][]byte
}

func (f *fakeCoder) Encrypt(plain []byte, recipientKeys [][]byte, own *crypto.KeyMaterial) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKeys = recipientKeys
	if f.encErr != nil {
		return nil, f.encErr
	}
	return append(append([]byte(nil), envelopePrefix...), plain...), nil
}

func (f *fakeCoder) Decrypt(envelope []byte, own *crypto.KeyMaterial, senderKey []byte) ([]byte, models.CoderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := bytes.TrimPrefix(envelope, envelopePrefix)
	return body, f.decStatus
}

type fakeBook struct {
	keys     map[int64][]byte
	contacts map[string]models.Contact
}

func newFakeBook() *fakeBook {
	return &fakeBook{
		keys: map[int64][]byte{alice.ID: []byte("alice-key"), bob.ID: []byte("bob-key")},
		contacts: map[string]models.Contact{
			alice.Address: alice,
			bob.Address:   bob,
		},
	}
}

var errNoContact = errors.New("no such contact")

func (b *fakeBook) PublicKey(contactID int64) ([]byte, error) {
	key, ok := b.keys[contactID]
	if !ok {
		return nil, errNoContact
	}
	return key, nil
}

func (b *fakeBook) ResolveContact(address string) (models.Contact, []byte, error) {
	c, ok := b.contacts[models.BareAddress(address)]
	if !ok {
		return models.Contact{}, nil, errNoContact
	}
	return c, b.keys[c.ID], nil
}

type harness struct {
	deps      models.Deps
	index     *chat.Index
	registry  *chat.Registry
	metrics   *Metrics
	audit     *fakeAuditor
	tracker   *Tracker
	coder     *fakeCoder
	transport *fakeTransport
	book      *fakeBook
	center    *Center
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend, err := log.NewWriter(io.Discard, "DEBUG")
	require.NoError(t, err)

	h := &harness{
		deps:      models.Deps{Log: backend.GetLogger("message")},
		index:     chat.NewIndex(),
		metrics:   NewMetrics(prometheus.NewRegistry()),
		audit:     &fakeAuditor{},
		coder:     &fakeCoder{decStatus: models.CoderStatus{Encryption: models.EncryptionDecrypted, Signing: models.SigningVerified}},
		transport: &fakeTransport{},
		book:      newFakeBook(),
	}
	h.registry = chat.NewRegistry(nil, h.deps, h.index, backend.GetLogger("chat"))
	h.tracker = NewTracker(h.index, h.audit, h.metrics, backend.GetLogger("tracker"))
	h.center, err = NewCenter(Config{
		Registry: h.registry,
		Tracker:  h.tracker,
		Coder:    h.coder,
		Contacts: h.book,
		Auditor:  h.audit,
		Metrics:  h.metrics,
		Deps:     h.deps,
		Log:      backend.GetLogger("center"),
	})
	require.NoError(t, err)
	h.center.SetTransport(h.transport)
	return h
}

// outbound stores a pending plaintext message to recipients in chat 1.
func (h *harness) outbound(t *testing.T, recipients ...models.Contact) *models.Message {
	t.Helper()
	m := models.NewOutbound(h.deps, 1, recipients, models.Content{Text: "hi"}, false)
	require.True(t, h.registry.Get(1).Add(m))
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) listen(e models.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) statuses() []models.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Status
	for _, e := range l.events {
		if sc, ok := e.(models.StatusChangedEvent); ok {
			out = append(out, sc.Status)
		}
	}
	return out
}
