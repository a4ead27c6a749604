package chat

import (
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"securechat/models"
)

// Loader reads the stored rows of one conversation.
type Loader interface {
	LoadChatMessages(chatID int64) ([]models.MessageRow, error)
}

type entry struct {
	order models.OrderKey
	msg   *models.Message
}

// Messages is the ordered message set of one conversation. Rows are loaded
// from the Loader on first access.
type Messages struct {
	chatID int64
	loader Loader
	deps   models.Deps
	index  *Index
	log    *logging.Logger

	loadMu sync.Mutex
	loaded bool

	mu      sync.RWMutex
	entries []entry
	keys    map[models.ConflictKey]*models.Message
	events  models.Notifier
}

// NewMessages returns the store of chatID. A nil loader starts empty; a nil
// index disables cross-conversation lookups.
func NewMessages(chatID int64, loader Loader, deps models.Deps, index *Index, log *logging.Logger) *Messages {
	if log == nil {
		log = logging.MustGetLogger("chat")
	}
	return &Messages{
		chatID: chatID,
		loader: loader,
		deps:   deps,
		index:  index,
		log:    log,
		keys:   make(map[models.ConflictKey]*models.Message),
	}
}

func (c *Messages) ChatID() int64 { return c.chatID }

// Load reads the conversation if that did not happen yet. Failures are
// logged and leave the set empty.
func (c *Messages) Load() {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return
	}
	c.loaded = true
	if c.loader == nil {
		return
	}

	rows, err := c.loader.LoadChatMessages(c.chatID)
	if err != nil {
		c.log.Warningf("chat %d: can't load messages: %v", c.chatID, err)
		return
	}

	msgs := make([]*models.Message, 0, len(rows))
	for _, row := range rows {
		m, err := models.FromRow(c.deps, row)
		if err != nil {
			c.log.Warningf("chat %d: skipping message row %d: %v", c.chatID, row.ID, err)
			continue
		}
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	for _, m := range msgs {
		c.insertLocked(m)
	}
	c.mu.Unlock()

	for _, m := range msgs {
		c.index.Track(m)
	}
	c.log.Debugf("chat %d: loaded %d messages", c.chatID, len(msgs))
}

// insertLocked adds m at its order position unless its conflict key is
// taken.
func (c *Messages) insertLocked(m *models.Message) bool {
	key := m.Key()
	if _, ok := c.keys[key]; ok {
		return false
	}
	order := m.Order()
	i := sort.Search(len(c.entries), func(i int) bool {
		return order.Less(c.entries[i].order)
	})
	c.entries = append(c.entries, entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = entry{order: order, msg: m}
	c.keys[key] = m
	return true
}

// Add inserts m. It returns false when an equal message is already present;
// the stored message is kept.
func (c *Messages) Add(m *models.Message) bool {
	if m.ChatID() != c.chatID {
		c.log.Warningf("chat %d: refusing message %s of chat %d", c.chatID, m.ProtocolID(), m.ChatID())
		return false
	}
	c.Load()

	c.mu.Lock()
	ok := c.insertLocked(m)
	c.mu.Unlock()
	if !ok {
		c.log.Warningf("chat %d: %s message %s already stored", c.chatID, m.Direction(), m.ProtocolID())
		return false
	}

	c.index.Track(m)
	c.events.Emit(models.MessageAddedEvent{ChatID: c.chatID, Message: m})
	return true
}

// Get returns the message with the given conflict key.
func (c *Messages) Get(key models.ConflictKey) (*models.Message, bool) {
	c.Load()
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.keys[key]
	return m, ok
}

// All returns the messages in timeline order.
func (c *Messages) All() []*models.Message {
	c.Load()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

func (c *Messages) Len() int {
	c.Load()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pending returns outbound messages still waiting for the server, oldest
// first.
func (c *Messages) Pending() []*models.Message {
	var out []*models.Message
	for _, m := range c.All() {
		if m.IsOutbound() && m.Status() == models.StatusPending {
			out = append(out, m)
		}
	}
	return out
}

// LastOutbound returns the newest outbound message with protocolID.
func (c *Messages) LastOutbound(protocolID string) (*models.Message, bool) {
	c.Load()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		m := c.entries[i].msg
		if m.IsOutbound() && m.ProtocolID() == protocolID {
			return m, true
		}
	}
	return nil, false
}

// Subscribe registers l for message-added events of this conversation.
func (c *Messages) Subscribe(l models.Listener) func() {
	return c.events.Subscribe(l)
}

// Drop forgets every cached message and returns them. The store stays
// empty afterwards and is not reloaded.
func (c *Messages) Drop() []*models.Message {
	c.loadMu.Lock()
	c.loaded = true
	c.loadMu.Unlock()

	c.mu.Lock()
	out := make([]*models.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	c.entries = nil
	c.keys = make(map[models.ConflictKey]*models.Message)
	c.mu.Unlock()

	for _, m := range out {
		c.index.Forget(m)
	}
	return out
}
