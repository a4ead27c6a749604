package chat

import (
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"securechat/models"
)

// Store is the persistence the registry needs besides per-chat loading.
type Store interface {
	Loader
	ListChatIDs() ([]int64, error)
	DeleteChat(chatID int64) (int64, error)
}

// Registry owns the conversation stores of the account.
type Registry struct {
	store Store
	deps  models.Deps
	index *Index
	log   *logging.Logger

	mu    sync.Mutex
	chats map[int64]*Messages
}

// NewRegistry returns an empty registry. A nil store keeps everything in
// memory.
func NewRegistry(store Store, deps models.Deps, index *Index, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.MustGetLogger("chat")
	}
	return &Registry{
		store: store,
		deps:  deps,
		index: index,
		log:   log,
		chats: make(map[int64]*Messages),
	}
}

// Index returns the cross-conversation index the registry feeds.
func (r *Registry) Index() *Index { return r.index }

// Get returns the store of chatID, creating it on first use.
func (r *Registry) Get(chatID int64) *Messages {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		var loader Loader
		if r.store != nil {
			loader = r.store
		}
		c = NewMessages(chatID, loader, r.deps, r.index, r.log)
		r.chats[chatID] = c
	}
	return c
}

// Restore loads every stored conversation, so that receipts for messages
// sent in an earlier session can be matched.
func (r *Registry) Restore() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	ids, err := r.store.ListChatIDs()
	if err != nil {
		return 0, fmt.Errorf("restore chats: %w", err)
	}
	for _, id := range ids {
		r.Get(id).Load()
	}
	r.log.Infof("restored %d conversations", len(ids))
	return len(ids), nil
}

// ChatIDs returns the ids of the conversations held in memory.
func (r *Registry) ChatIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.chats))
	for id := range r.chats {
		ids = append(ids, id)
	}
	return ids
}

// Drop removes a conversation from memory together with its index entries.
func (r *Registry) Drop(chatID int64) int {
	r.mu.Lock()
	c, ok := r.chats[chatID]
	delete(r.chats, chatID)
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return len(c.Drop())
}

// Delete drops the conversation and removes its stored messages.
func (r *Registry) Delete(chatID int64) error {
	r.Drop(chatID)
	if r.store == nil {
		return nil
	}
	n, err := r.store.DeleteChat(chatID)
	if err != nil {
		return fmt.Errorf("delete chat %d: %w", chatID, err)
	}
	r.log.Infof("chat %d: deleted %d messages", chatID, n)
	return nil
}
