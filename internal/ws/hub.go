package ws

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// ─────────────────────────────────────────────
// Hub: owner notification connections
// ─────────────────────────────────────────────

// Hub tracks every notification connection by owner and pushes notices
// to all of an owner's connections. Delivery is best-effort.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{} // ownerID → connections
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.OwnerID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.OwnerID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	log.WithField("owner_id", c.OwnerID).Debugf("[hub] client connected (total: %d)", h.ClientCount())
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.OwnerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.OwnerID)
		}
	}
	h.mu.Unlock()
	log.WithField("owner_id", c.OwnerID).Debugf("[hub] client disconnected (total: %d)", h.ClientCount())
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Send pushes notice to every connection of ownerID. Progress notices are
// rate limited per connection; terminal notices are never throttled.
func (h *Hub) Send(ownerID int64, notice *model.Notice) {
	data, err := json.Marshal(notice)
	if err != nil {
		log.WithError(err).Error("[hub] marshal notice")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[ownerID] {
		if !notice.Terminal() && !c.limiter.Allow() {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.WithFields(log.Fields{"owner_id": ownerID, "type": notice.Type}).
				Warn("[hub] send buffer full, dropping notice")
		}
	}
}
