package gateway

import (
	"sync"
)

// Registry is the instance-local room index: userId -> live connections.
// It is also the bus.Local delivery surface, so events published to a
// user's room on any instance land on the sockets held here.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client // user -> conn_id -> client
	byConn map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

func (r *Registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[c.UserID]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.UserID] = m
	}
	m[c.ConnID] = c
	r.byConn[c.ConnID] = c
}

func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.byUser[c.UserID]; m != nil {
		delete(m, c.ConnID)
		if len(m) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	delete(r.byConn, c.ConnID)
}

func (r *Registry) listByUser(user string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[user]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) listAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// LiveConns reports the connection ids this instance holds for a user
// (liveness replies for cross-instance presence reconciliation).
func (r *Registry) LiveConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// DeliverToUser fans an event into every local connection of a user.
func (r *Registry) DeliverToUser(userID, event string, data []byte) {
	clients := r.listByUser(userID)
	if len(clients) == 0 {
		return
	}
	payload := BuildEventRaw(event, data)
	for _, c := range clients {
		c.enqueue(payload)
	}
}

// DeliverAll fans an event into every local connection.
func (r *Registry) DeliverAll(event string, data []byte) {
	clients := r.listAll()
	if len(clients) == 0 {
		return
	}
	payload := BuildEventRaw(event, data)
	for _, c := range clients {
		c.enqueue(payload)
	}
}
