package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/TNLegend/SMIA/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// RunEvent is broadcast to a project's subscribers on every run status change.
type RunEvent struct {
	Type      string           `json:"type"`
	RunID     string           `json:"run_id"`
	ProjectID string           `json:"project_id"`
	Kind      domain.RunKind   `json:"kind"`
	Status    domain.RunStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	At        time.Time        `json:"at"`
}

// Hub manages event subscriptions by project ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectID)
				}
			}
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all project clients.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.done:
	}
}

// PublishRun broadcasts a run's current status to its project.
func (h *Hub) PublishRun(run domain.Run, at time.Time) {
	payload, err := json.Marshal(RunEvent{
		Type:      "run.status",
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Kind:      run.Kind,
		Status:    run.Status,
		Reason:    run.Reason,
		At:        at.UTC(),
	})
	if err != nil {
		return
	}
	h.Broadcast(run.ProjectID, payload)
}

// Close stops the hub and closes every registered client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
