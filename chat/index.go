package chat

import (
	"sync"

	"securechat/models"
)

// Index finds outbound messages across conversations by protocol id and by
// receipt correlation id. A nil *Index ignores updates and finds nothing.
type Index struct {
	mu            sync.RWMutex
	byProtocol    map[string][]*models.Message
	byCorrelation map[string]*models.Message
}

func NewIndex() *Index {
	return &Index{
		byProtocol:    make(map[string][]*models.Message),
		byCorrelation: make(map[string]*models.Message),
	}
}

// Track indexes an outbound message, including its correlation id when one
// is already recorded. Inbound messages are ignored.
func (x *Index) Track(m *models.Message) {
	if x == nil || !m.IsOutbound() {
		return
	}
	corr := m.ReceiptID()

	x.mu.Lock()
	defer x.mu.Unlock()
	list := x.byProtocol[m.ProtocolID()]
	known := false
	for _, o := range list {
		if o == m {
			known = true
			break
		}
	}
	if !known {
		x.byProtocol[m.ProtocolID()] = append(list, m)
	}
	if corr != "" {
		x.byCorrelation[corr] = m
	}
}

// SetCorrelation maps a correlation id to m.
func (x *Index) SetCorrelation(correlationID string, m *models.Message) {
	if x == nil || correlationID == "" {
		return
	}
	x.mu.Lock()
	x.byCorrelation[correlationID] = m
	x.mu.Unlock()
}

// Outbound returns the newest outbound message using protocolID.
func (x *Index) Outbound(protocolID string) (*models.Message, bool) {
	if x == nil {
		return nil, false
	}
	x.mu.RLock()
	list := append([]*models.Message(nil), x.byProtocol[protocolID]...)
	x.mu.RUnlock()

	var newest *models.Message
	var newestOrder models.OrderKey
	for _, m := range list {
		order := m.Order()
		if newest == nil || newestOrder.Less(order) {
			newest, newestOrder = m, order
		}
	}
	return newest, newest != nil
}

// ByCorrelation returns the message a receipt correlation id belongs to.
func (x *Index) ByCorrelation(correlationID string) (*models.Message, bool) {
	if x == nil {
		return nil, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.byCorrelation[correlationID]
	return m, ok
}

// Forget removes every entry pointing at m.
func (x *Index) Forget(m *models.Message) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	list := x.byProtocol[m.ProtocolID()]
	kept := list[:0]
	for _, o := range list {
		if o != m {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(x.byProtocol, m.ProtocolID())
	} else {
		x.byProtocol[m.ProtocolID()] = kept
	}

	for id, o := range x.byCorrelation {
		if o == m {
			delete(x.byCorrelation, id)
		}
	}
}
