package websocket

import (
	"encoding/json"
	"sync"
)

// BalanceUpdate is pushed to a wallet owner after any committed change to
// their balance or held balance.
type BalanceUpdate struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	HeldBalance int64  `json:"held_balance"`
	Available   int64  `json:"available"`
}

// SessionEvent is pushed to both participants when a metered session changes
// status or is billed.
type SessionEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	ActualCoins int64  `json:"actual_coins"`
	Reason      string `json:"reason,omitempty"`
}

const (
	typeBalance = "balance"
	typeSession = "session"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) BroadcastBalance(userID string, update BalanceUpdate) {
	update.Type = typeBalance
	update.UserID = userID
	update.Available = update.Balance - update.HeldBalance
	h.send(userID, update)
}

func (h *Hub) BroadcastSession(userID string, event SessionEvent) {
	event.Type = typeSession
	h.send(userID, event)
}

// send never blocks: a client whose buffer is full misses the message and
// picks up the current state on its next fetch.
func (h *Hub) send(userID string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
