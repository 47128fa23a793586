package ws

import "encoding/json"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans provisioning and lifecycle events out to the clients watching an
// instance.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with instance name.
type message struct {
	instanceName string
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	instanceName string
	client       Subscriber
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
			if _, ok := h.clients[sub.instanceName]; !ok {
				h.clients[sub.instanceName] = make(map[Subscriber]struct{})
			}
			h.clients[sub.instanceName][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.instanceName]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.instanceName)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.instanceName]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.instanceName)
				}
			}
		}
	}
}

// Register adds a client to an instance stream.
func (h *Hub) Register(instanceName string, client Subscriber) {
	h.register <- subscription{instanceName: instanceName, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(instanceName string, client Subscriber) {
	h.unreg <- subscription{instanceName: instanceName, client: client}
}

// Broadcast sends payload to all clients of an instance stream.
func (h *Hub) Broadcast(instanceName string, payload []byte) {
	h.broadcast <- message{instanceName: instanceName, payload: payload}
}

// ProgressEvent is the wire shape of one workflow step.
type ProgressEvent struct {
	Instance string `json:"instance"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// Reporter adapts the hub to the provisioning workflow's progress callback.
type Reporter struct {
	hub *Hub
}

// NewReporter wraps a hub.
func NewReporter(hub *Hub) *Reporter {
	return &Reporter{hub: hub}
}

// Progress broadcasts one workflow step to the instance's watchers.
func (r *Reporter) Progress(instanceName, stage, message string) {
	payload, err := json.Marshal(ProgressEvent{Instance: instanceName, Stage: stage, Message: message})
	if err != nil {
		return
	}
	r.hub.Broadcast(instanceName, payload)
}
