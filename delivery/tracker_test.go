package delivery

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/models"
)

func TestTrackerAckThenReceipts(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice, bob)
	events := &eventLog{}
	m.Subscribe(events.listen)

	h.tracker.OnSentAck(m.ProtocolID(), "corr-1")
	assert.Equal(t, models.StatusSent, m.Status())
	assert.Equal(t, "corr-1", m.ReceiptID())
	assert.False(t, m.ServerDate().IsZero())

	at := time.Now()
	h.tracker.OnReceived("corr-1", "alice@example.org/phone", at)
	assert.Equal(t, models.StatusSent, m.AggregateStatus())

	h.tracker.OnReceived("corr-1", "bob@example.org", at)
	assert.Equal(t, models.StatusReceived, m.AggregateStatus())
	assert.Equal(t, models.StatusSent, m.Status())
	assert.Equal(t, []models.Status{models.StatusSent, models.StatusReceived}, events.statuses())

	for _, leg := range m.Transmissions() {
		assert.True(t, leg.Received.Equal(at), leg.Address)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SentAcks.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Receipts.WithLabelValues("received")))
}

func TestTrackerReceiptBeforeAck(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)

	h.tracker.OnReceived("corr-early", "alice@example.org", time.Now())
	assert.Equal(t, models.StatusPending, m.AggregateStatus())
	assert.Equal(t, 1, h.tracker.PendingReceipts())

	h.tracker.OnSentAck(m.ProtocolID(), "corr-early")
	assert.Equal(t, models.StatusReceived, m.AggregateStatus())
	assert.Equal(t, 0, h.tracker.PendingReceipts())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Receipts.WithLabelValues("buffered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Receipts.WithLabelValues("received")))
}

func TestTrackerEarlyReceiptsAreBounded(t *testing.T) {
	h := newHarness(t)
	h.tracker.SetEarlyReceiptLimit(1)

	h.tracker.OnReceived("first", "alice@example.org", time.Now())
	h.tracker.OnReceived("second", "alice@example.org", time.Now())
	assert.Equal(t, 1, h.tracker.PendingReceipts())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Receipts.WithLabelValues("dropped")))

	m := h.outbound(t, alice)
	h.tracker.OnSentAck(m.ProtocolID(), "first")
	assert.Equal(t, models.StatusSent, m.AggregateStatus())

	h.tracker.SetEarlyReceiptLimit(0)
	assert.Equal(t, 0, h.tracker.PendingReceipts())
	h.tracker.OnReceived("third", "alice@example.org", time.Now())
	assert.Equal(t, 0, h.tracker.PendingReceipts())
}

func TestTrackerUnknownMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)

	h.tracker.OnSentAck("nope", "corr")
	h.tracker.OnServerError("nope", "item-not-found", "")
	assert.Equal(t, models.StatusPending, m.Status())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SentAcks.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ServerErrors.WithLabelValues("unknown")))
}

func TestTrackerReceiptFromNonRecipient(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)
	h.tracker.OnSentAck(m.ProtocolID(), "corr")

	h.tracker.OnReceived("corr", "mallory@example.org/evil", time.Now())
	assert.Equal(t, models.StatusSent, m.AggregateStatus())

	events := h.audit.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventUnknownReceiptSender, events[0].eventType)
	assert.Equal(t, "mallory@example.org", events[0].address)
	assert.Equal(t, m.ProtocolID(), events[0].details["protocol_id"])
}

func TestTrackerDuplicateReceiptAndAck(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)
	events := &eventLog{}
	m.Subscribe(events.listen)

	h.tracker.OnSentAck(m.ProtocolID(), "corr-1")
	h.tracker.OnSentAck(m.ProtocolID(), "corr-2")
	assert.Equal(t, models.StatusSent, m.Status())
	assert.Equal(t, "corr-1", m.ReceiptID())

	first := time.Now()
	h.tracker.OnReceived("corr-1", "alice@example.org", first)
	h.tracker.OnReceived("corr-1", "alice@example.org", first.Add(time.Minute))
	legs := m.Transmissions()
	require.Len(t, legs, 1)
	assert.True(t, legs[0].Received.Equal(first))

	// The second correlation id was never recorded.
	h.tracker.OnReceived("corr-2", "alice@example.org", time.Now())
	assert.Equal(t, 1, h.tracker.PendingReceipts())

	assert.Equal(t, []models.Status{models.StatusSent, models.StatusReceived}, events.statuses())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SentAcks.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Receipts.WithLabelValues("duplicate")))
}

func TestTrackerServerErrorOnce(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)
	h.tracker.OnSentAck(m.ProtocolID(), "corr")

	h.tracker.OnServerError(m.ProtocolID(), "recipient-unavailable", "offline")
	h.tracker.OnServerError(m.ProtocolID(), "policy-violation", "")

	assert.Equal(t, models.StatusError, m.Status())
	assert.Equal(t, models.StatusError, m.AggregateStatus())
	se, ok := m.ServerError()
	require.True(t, ok)
	assert.Equal(t, models.ServerError{Condition: "recipient-unavailable", Text: "offline"}, se)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ServerErrors.WithLabelValues("recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ServerErrors.WithLabelValues("rejected")))
}

func TestTrackerServerErrorWhilePending(t *testing.T) {
	h := newHarness(t)
	m := h.outbound(t, alice)

	h.tracker.OnServerError(m.ProtocolID(), "bad-request", "")
	assert.Equal(t, models.StatusError, m.Status())
}

func TestTrackerAckPicksNewestMessage(t *testing.T) {
	h := newHarness(t)
	base := time.UnixMilli(1_700_000_000_000)
	row := func(id, chatID int64, created time.Time) models.MessageRow {
		return models.MessageRow{
			ID: id, ChatID: chatID, ProtocolID: "reused",
			Direction: string(models.Outbound), Status: string(models.StatusPending),
			Created:    created.UnixMilli(),
			Encryption: string(models.EncryptionNot), Signing: string(models.SigningNot),
			Transmissions: []models.TransmissionRow{{ID: id, MessageID: id, ContactID: alice.ID, Address: alice.Address}},
		}
	}
	older, err := models.FromRow(h.deps, row(1, 1, base))
	require.NoError(t, err)
	newer, err := models.FromRow(h.deps, row(2, 2, base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, h.registry.Get(1).Add(older))
	require.True(t, h.registry.Get(2).Add(newer))

	h.tracker.OnSentAck("reused", "corr")
	assert.Equal(t, models.StatusSent, newer.Status())
	assert.Equal(t, models.StatusPending, older.Status())
}

func TestTrackerConcurrentAcksAndReceipts(t *testing.T) {
	h := newHarness(t)
	msgs := make([]*models.Message, 50)
	for i := range msgs {
		msgs[i] = h.outbound(t, alice, bob)
	}

	var wg sync.WaitGroup
	at := time.Now()
	for i, m := range msgs {
		corr := fmt.Sprintf("corr-%d", i)
		pid := m.ProtocolID()
		wg.Add(3)
		go func() {
			defer wg.Done()
			h.tracker.OnReceived(corr, "alice@example.org", at)
		}()
		go func() {
			defer wg.Done()
			h.tracker.OnSentAck(pid, corr)
		}()
		go func() {
			defer wg.Done()
			h.tracker.OnReceived(corr, "bob@example.org", at)
		}()
	}
	wg.Wait()

	for _, m := range msgs {
		assert.Equal(t, models.StatusReceived, m.AggregateStatus(), m.ProtocolID())
	}
	assert.Zero(t, h.tracker.PendingReceipts())
}
