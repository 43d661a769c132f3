package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by bundle identifier.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with bundle identifier.
type message struct {
	appID   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	appID  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.appID]; !ok {
				h.clients[sub.appID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.appID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.appID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.appID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.appID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.appID)
				}
			}
		}
	}
}

// Register adds a client to an app's deployment log stream.
func (h *Hub) Register(appID string, client Subscriber) {
	h.register <- subscription{appID: appID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(appID string, client Subscriber) {
	h.unreg <- subscription{appID: appID, client: client}
}

// Broadcast sends payload to all clients following the app.
func (h *Hub) Broadcast(appID string, payload []byte) {
	h.broadcast <- message{appID: appID, payload: payload}
}
