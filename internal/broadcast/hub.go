// Package broadcast is an in-process stand-in for a cross-tab broadcast
// channel. Members that open the same channel name receive every envelope
// the other members post, asynchronously and in post order.
package broadcast

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Envelope types.
const (
	TypeUpdate    = "update"
	TypeHeartbeat = "heartbeat"
	TypePresence  = "presence"
	TypeActivity  = "activity"

	// TypeSync carries the full state a relay sends to a joining client.
	TypeSync = "sync"
)

// Envelope is one message on a channel. Data holds the base64 payload.
type Envelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Data     string `json:"data"`
}

// NewEnvelope encodes payload into an envelope.
func NewEnvelope(typ, clientID string, payload []byte) Envelope {
	return Envelope{Type: typ, ClientID: clientID, Data: base64.StdEncoding.EncodeToString(payload)}
}

// Payload decodes the envelope data.
func (e Envelope) Payload() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", e.Type, err)
	}
	return b, nil
}

// Hub holds the named channels of one process.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Channel // name -> member id -> channel
	logger   *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[string]*Channel),
		logger:   logger.With("component", "broadcast"),
	}
}

// Open joins channel name. handler runs on the member's delivery goroutine.
func (h *Hub) Open(name string, handler func(Envelope)) *Channel {
	c := &Channel{
		hub:     h,
		name:    name,
		id:      uuid.New().String(),
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.channels[name]; !ok {
		h.channels[name] = make(map[string]*Channel)
	}
	h.channels[name][c.id] = c
	h.mu.Unlock()

	go c.run()
	h.logger.Debug("member joined", "channel", name, "member_id", c.id)
	return c
}

// Members returns the number of open members of channel name.
func (h *Hub) Members(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

func (h *Hub) publish(from *Channel, e Envelope) {
	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.channels[from.name]))
	for id, c := range h.channels[from.name] {
		if id != from.id {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(e)
	}
}

func (h *Hub) leave(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[c.name]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.channels, c.name)
	}
	h.logger.Debug("member left", "channel", c.name, "member_id", c.id)
}

// Close closes every open member.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Channel
	for _, members := range h.channels {
		for _, c := range members {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}

// Channel is one member's handle on a named channel.
type Channel struct {
	hub     *Hub
	name    string
	id      string
	handler func(Envelope)

	mu     sync.Mutex
	queue  []Envelope
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Post delivers e to every other member of the channel. It never blocks on
// slow members.
func (c *Channel) Post(e Envelope) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.hub.publish(c, e)
}

func (c *Channel) enqueue(e Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) run() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			e := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			c.deliver(e)
		}
	}
}

func (c *Channel) deliver(e Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.hub.logger.Error("channel handler panicked",
				"channel", c.name,
				"type", e.Type,
				"panic", fmt.Sprint(r))
		}
	}()
	c.handler(e)
}

// Close leaves the channel. Queued envelopes are discarded.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		c.hub.leave(c)
		close(c.done)
	})
}
