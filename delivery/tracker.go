package delivery

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"securechat/chat"
	"securechat/models"
)

// DefaultEarlyReceipts bounds the receipts kept while waiting for the
// acknowledgment that carries their correlation id.
const DefaultEarlyReceipts = 256

// Audit event types recorded by the delivery layer.
const (
	EventUnknownReceiptSender = "receipt_unknown_sender"
	EventCoderFailure         = "coder_failure"

	severityWarning = "warning"
)

// Auditor records security relevant events.
type Auditor interface {
	AuditEvent(eventType, severity, contactAddress string, details map[string]any) error
}

type earlyReceipt struct {
	from string
	at   time.Time
}

// Tracker applies server acknowledgments, delivery receipts and server
// errors to outbound messages. Unknown messages are logged and ignored.
type Tracker struct {
	index   *chat.Index
	audit   Auditor
	metrics *Metrics
	log     *logging.Logger

	mu         sync.Mutex
	early      map[string][]earlyReceipt
	earlyOrder []string
	maxEarly   int
}

// NewTracker returns a tracker resolving messages through index. audit and
// metrics may be nil.
func NewTracker(index *chat.Index, audit Auditor, metrics *Metrics, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.MustGetLogger("tracker")
	}
	return &Tracker{
		index:    index,
		audit:    audit,
		metrics:  metrics,
		log:      log,
		early:    make(map[string][]earlyReceipt),
		maxEarly: DefaultEarlyReceipts,
	}
}

// SetEarlyReceiptLimit changes how many receipts may wait for their
// acknowledgment. Values below one disable buffering.
func (t *Tracker) SetEarlyReceiptLimit(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxEarly = n
	for len(t.earlyOrder) > 0 && len(t.earlyOrder) > n {
		t.evictOldestLocked()
	}
}

// OnSentAck marks the newest outbound message with protocolID as sent and
// records the correlation id its receipts will carry.
func (t *Tracker) OnSentAck(protocolID, correlationID string) {
	m, ok := t.index.Outbound(protocolID)
	if !ok {
		t.log.Warningf("sent ack for unknown message %s", protocolID)
		t.metrics.inc(sentAcks, "unknown")
		return
	}

	changed, err := m.SetSentAck(correlationID)
	if err != nil {
		t.log.Warningf("sent ack for %s: %v", protocolID, err)
		t.metrics.inc(sentAcks, "rejected")
		return
	}
	if changed {
		t.metrics.inc(sentAcks, "sent")
	} else {
		t.metrics.inc(sentAcks, "duplicate")
	}

	recorded := m.ReceiptID()
	if recorded == "" {
		return
	}
	t.mu.Lock()
	t.index.SetCorrelation(recorded, m)
	early := t.takeEarlyLocked(recorded)
	t.mu.Unlock()
	for _, r := range early {
		t.log.Debugf("replaying early receipt %s from %s", recorded, r.from)
		t.apply(m, recorded, r.from, r.at)
	}
}

// OnReceived marks the transmission to from as delivered. A receipt that
// arrives before its acknowledgment is kept until the acknowledgment
// records the correlation id.
func (t *Tracker) OnReceived(correlationID, from string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	// Lookup and buffering hold t.mu, as OnSentAck does while draining.
	t.mu.Lock()
	m, ok := t.index.ByCorrelation(correlationID)
	if !ok {
		t.log.Debugf("receipt %s from %s before acknowledgment", correlationID, from)
		t.keepEarlyLocked(correlationID, earlyReceipt{from: from, at: at})
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.apply(m, correlationID, from, at)
}

func (t *Tracker) apply(m *models.Message, correlationID, from string, at time.Time) {
	changed, err := m.SetReceived(from, at)
	switch {
	case errors.Is(err, models.ErrNoTransmission):
		t.log.Warningf("receipt %s for message %s from non-recipient %s", correlationID, m.ProtocolID(), from)
		t.metrics.inc(receipts, "unknown_sender")
		t.auditEvent(EventUnknownReceiptSender, severityWarning, from, map[string]any{
			"protocol_id":    m.ProtocolID(),
			"correlation_id": correlationID,
		})
	case err != nil:
		t.log.Warningf("receipt %s: %v", correlationID, err)
		t.metrics.inc(receipts, "rejected")
	case !changed:
		t.metrics.inc(receipts, "duplicate")
	default:
		t.log.Debugf("message %s received by %s", m.ProtocolID(), models.BareAddress(from))
		t.metrics.inc(receipts, "received")
	}
}

// OnServerError moves the newest outbound message with protocolID to
// error. Only the first error of a message is kept.
func (t *Tracker) OnServerError(protocolID, condition, text string) {
	m, ok := t.index.Outbound(protocolID)
	if !ok {
		t.log.Warningf("server error %q for unknown message %s", condition, protocolID)
		t.metrics.inc(serverErrors, "unknown")
		return
	}
	if err := m.SetServerError(condition, text); err != nil {
		t.metrics.inc(serverErrors, "rejected")
		return
	}
	t.metrics.inc(serverErrors, "recorded")
}

func (t *Tracker) keepEarlyLocked(correlationID string, r earlyReceipt) {
	if t.maxEarly < 1 {
		t.log.Warningf("dropping receipt %s: no matching message", correlationID)
		t.metrics.inc(receipts, "dropped")
		return
	}
	if _, ok := t.early[correlationID]; !ok {
		if len(t.earlyOrder) >= t.maxEarly {
			t.evictOldestLocked()
		}
		t.earlyOrder = append(t.earlyOrder, correlationID)
	}
	t.early[correlationID] = append(t.early[correlationID], r)
	t.metrics.inc(receipts, "buffered")
}

func (t *Tracker) evictOldestLocked() {
	oldest := t.earlyOrder[0]
	t.earlyOrder = t.earlyOrder[1:]
	n := len(t.early[oldest])
	delete(t.early, oldest)
	t.log.Warningf("dropping %d receipts for unknown correlation id %s", n, oldest)
	for i := 0; i < n; i++ {
		t.metrics.inc(receipts, "dropped")
	}
}

func (t *Tracker) takeEarlyLocked(correlationID string) []earlyReceipt {
	rs, ok := t.early[correlationID]
	if !ok {
		return nil
	}
	delete(t.early, correlationID)
	for i, id := range t.earlyOrder {
		if id == correlationID {
			t.earlyOrder = append(t.earlyOrder[:i], t.earlyOrder[i+1:]...)
			break
		}
	}
	return rs
}

// PendingReceipts returns the number of correlation ids waiting for an
// acknowledgment.
func (t *Tracker) PendingReceipts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.early)
}

func (t *Tracker) auditEvent(eventType, severity, address string, details map[string]any) {
	if t.audit == nil {
		return
	}
	if err := t.audit.AuditEvent(eventType, severity, models.BareAddress(address), details); err != nil {
		t.log.Warningf("can't record %s event: %v", eventType, err)
	}
}
