package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans project events out to subscribers keyed by project ID. All
// subscriber bookkeeping happens on the hub goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	projectID string
	payload   []byte
}

type subscription struct {
	projectID string
	client    Subscriber
}

type countRequest struct {
	projectID string
	reply     chan int
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
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
			h.clients = nil
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
		case req := <-h.count:
			req.reply <- len(h.clients[req.projectID])
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

// Broadcast sends payload to all project clients. It is a no-op once the
// hub is closed.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow projectID.
func (h *Hub) Subscribers(projectID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{projectID: projectID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every subscriber and stops the dispatch loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
