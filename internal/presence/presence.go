// Package presence tracks which clients are viewing a document through
// heartbeats on its broadcast channel, and relays custom presence payloads
// and activity between them.
package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/clock"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Options configure a Manager.
type Options struct {
	ClientID string
	Config   types.PresenceConfig
	Clock    clock.Clock
	Logger   *slog.Logger

	// Post sends an envelope to the other clients.
	Post func(broadcast.Envelope)
	// OnPresence receives arrivals, departures and custom payloads. Model
	// is left nil; the receiver resolves ModelName against its schema.
	OnPresence func(types.PresenceEvent)
	// OnActivity receives activity published by other clients.
	OnActivity func(types.ActivityEvent)
}

// Manager runs the heartbeat protocol for one client on one document.
type Manager struct {
	clientID string
	cfg      types.PresenceConfig
	clock    clock.Clock
	logger   *slog.Logger
	post     func(broadcast.Envelope)

	onPresence func(types.PresenceEvent)
	onActivity func(types.ActivityEvent)

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	heartbeat clock.Task
	sweep     clock.Task
}

type customPayload struct {
	Model string         `json:"model"`
	Data  map[string]any `json:"data,omitempty"`
}

type activityPayload struct {
	Model     string         `json:"model"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New returns a stopped manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	post := opts.Post
	if post == nil {
		post = func(broadcast.Envelope) {}
	}
	onPresence := opts.OnPresence
	if onPresence == nil {
		onPresence = func(types.PresenceEvent) {}
	}
	onActivity := opts.OnActivity
	if onActivity == nil {
		onActivity = func(types.ActivityEvent) {}
	}
	return &Manager{
		clientID:   opts.ClientID,
		cfg:        opts.Config.WithDefaults(),
		clock:      c,
		logger:     logger.With("component", "presence", "client_id", opts.ClientID),
		post:       post,
		onPresence: onPresence,
		onActivity: onActivity,
		lastSeen:   make(map[string]time.Time),
	}
}

// Start sends a first heartbeat and schedules the heartbeat and sweep tasks.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.heartbeat != nil {
		m.mu.Unlock()
		return
	}
	m.heartbeat = m.clock.Every(m.cfg.HeartbeatInterval, m.sendHeartbeat)
	m.sweep = m.clock.Every(m.cfg.HeartbeatInterval, m.Sweep)
	m.mu.Unlock()
	m.sendHeartbeat()
}

// Stop cancels the scheduled tasks and forgets every peer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeat == nil {
		return
	}
	m.heartbeat.Stop()
	m.sweep.Stop()
	m.heartbeat, m.sweep = nil, nil
	m.lastSeen = make(map[string]time.Time)
}

func (m *Manager) sendHeartbeat() {
	m.post(broadcast.NewEnvelope(broadcast.TypeHeartbeat, m.clientID, nil))
}

// Peers returns the ids of the clients currently considered present.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Handle processes an envelope received from another client.
func (m *Manager) Handle(e broadcast.Envelope) {
	if e.ClientID == m.clientID {
		return
	}
	switch e.Type {
	case broadcast.TypeHeartbeat:
		m.HandleHeartbeat(e.ClientID)
	case broadcast.TypePresence:
		var p customPayload
		if err := m.decode(e, &p); err != nil {
			m.logger.Warn("dropping presence envelope", "from", e.ClientID, "error", err)
			return
		}
		m.onPresence(types.PresenceEvent{
			ClientID:  e.ClientID,
			Kind:      types.PresenceCustom,
			ModelName: p.Model,
			Data:      p.Data,
		})
	case broadcast.TypeActivity:
		var p activityPayload
		if err := m.decode(e, &p); err != nil {
			m.logger.Warn("dropping activity envelope", "from", e.ClientID, "error", err)
			return
		}
		m.onActivity(types.ActivityEvent{
			ClientID:  e.ClientID,
			Kind:      types.ActivityEdit,
			ModelName: p.Model,
			Data:      p.Data,
			Timestamp: p.Timestamp,
		})
	}
}

func (m *Manager) decode(e broadcast.Envelope, v any) error {
	b, err := e.Payload()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// HandleHeartbeat records a heartbeat from clientID and reports an arrival
// when the client was not known.
func (m *Manager) HandleHeartbeat(clientID string) {
	m.mu.Lock()
	_, known := m.lastSeen[clientID]
	m.lastSeen[clientID] = m.clock.Now()
	m.mu.Unlock()
	if !known {
		m.logger.Debug("client arrived", "peer", clientID)
		m.onPresence(types.PresenceEvent{ClientID: clientID, Kind: types.PresenceArrived})
	}
}

// Sweep evicts clients whose last heartbeat is older than the staleness
// threshold and reports their departure.
func (m *Manager) Sweep() {
	now := m.clock.Now()
	var departed []string
	m.mu.Lock()
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.cfg.StaleAfter {
			departed = append(departed, id)
			delete(m.lastSeen, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(departed)
	for _, id := range departed {
		m.logger.Debug("client departed", "peer", id)
		m.onPresence(types.PresenceEvent{ClientID: id, Kind: types.PresenceDeparted})
	}
}

// PublishCustom sends a custom presence payload tagged with modelName.
func (m *Manager) PublishCustom(modelName string, data map[string]any) error {
	b, err := json.Marshal(customPayload{Model: modelName, Data: data})
	if err != nil {
		return fmt.Errorf("encode presence payload: %w", err)
	}
	m.post(broadcast.NewEnvelope(broadcast.TypePresence, m.clientID, b))
	return nil
}

// PublishActivity sends a locally derived activity event.
func (m *Manager) PublishActivity(ev types.ActivityEvent) error {
	b, err := json.Marshal(activityPayload{Model: ev.ModelName, Data: ev.Data, Timestamp: ev.Timestamp})
	if err != nil {
		return fmt.Errorf("encode activity payload: %w", err)
	}
	m.post(broadcast.NewEnvelope(broadcast.TypeActivity, m.clientID, b))
	return nil
}
