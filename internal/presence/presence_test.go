package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/clock"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

type harness struct {
	clock  *clock.Fake
	mgr    *Manager
	sent   []broadcast.Envelope
	events []types.PresenceEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))}
	h.mgr = New(Options{
		ClientID:   "self",
		Clock:      h.clock,
		Post:       func(e broadcast.Envelope) { h.sent = append(h.sent, e) },
		OnPresence: func(ev types.PresenceEvent) { h.events = append(h.events, ev) },
	})
	h.mgr.Start()
	t.Cleanup(h.mgr.Stop)
	return h
}

func (h *harness) kinds() []types.PresenceKind {
	out := make([]types.PresenceKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestHeartbeatsAreSentOnInterval(t *testing.T) {
	h := newHarness(t)
	require.Len(t, h.sent, 1)

	h.clock.Advance(types.DefaultHeartbeatInterval * 3)
	assert.Len(t, h.sent, 4)
	for _, e := range h.sent {
		assert.Equal(t, broadcast.TypeHeartbeat, e.Type)
		assert.Equal(t, "self", e.ClientID)
	}
}

func TestSilentClientDepartsOnce(t *testing.T) {
	h := newHarness(t)

	h.mgr.Handle(broadcast.NewEnvelope(broadcast.TypeHeartbeat, "peer", nil))
	h.clock.Advance(5 * time.Second)
	h.mgr.Handle(broadcast.NewEnvelope(broadcast.TypeHeartbeat, "peer", nil))
	assert.Equal(t, []types.PresenceKind{types.PresenceArrived}, h.kinds())
	assert.Equal(t, []string{"peer"}, h.mgr.Peers())

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, []types.PresenceKind{types.PresenceArrived}, h.kinds(), "15s of silence is not stale yet")

	h.clock.Advance(time.Minute)
	assert.Equal(t, []types.PresenceKind{types.PresenceArrived, types.PresenceDeparted}, h.kinds())
	assert.Empty(t, h.mgr.Peers())

	h.mgr.Handle(broadcast.NewEnvelope(broadcast.TypeHeartbeat, "peer", nil))
	assert.Equal(t,
		[]types.PresenceKind{types.PresenceArrived, types.PresenceDeparted, types.PresenceArrived},
		h.kinds())
}

func TestOwnEnvelopesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.mgr.Handle(broadcast.NewEnvelope(broadcast.TypeHeartbeat, "self", nil))
	assert.Empty(t, h.events)
}

func TestCustomPresenceRoundTrip(t *testing.T) {
	sender := newHarness(t)
	receiver := newHarness(t)
	receiver.mgr.clientID = "other"

	require.NoError(t, sender.mgr.PublishCustom("cursor", map[string]any{"line": 4}))
	last := sender.sent[len(sender.sent)-1]
	assert.Equal(t, broadcast.TypePresence, last.Type)

	receiver.mgr.Handle(last)
	require.Len(t, receiver.events, 1)
	ev := receiver.events[0]
	assert.Equal(t, types.PresenceCustom, ev.Kind)
	assert.Equal(t, "self", ev.ClientID)
	assert.Equal(t, "cursor", ev.ModelName)
	assert.Equal(t, float64(4), ev.Data["line"])
}

func TestActivityRoundTrip(t *testing.T) {
	var got []types.ActivityEvent
	c := clock.NewFake(time.Unix(0, 0))
	var sent []broadcast.Envelope
	sender := New(Options{ClientID: "a", Clock: c, Post: func(e broadcast.Envelope) { sent = append(sent, e) }})
	receiver := New(Options{ClientID: "b", Clock: c, OnActivity: func(ev types.ActivityEvent) { got = append(got, ev) }})

	stamp := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, sender.PublishActivity(types.ActivityEvent{ModelName: "task", Data: map[string]any{"op": "add"}, Timestamp: stamp}))
	require.Len(t, sent, 1)
	receiver.Handle(sent[0])

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ClientID)
	assert.Equal(t, "task", got[0].ModelName)
	assert.True(t, stamp.Equal(got[0].Timestamp))
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	h := newHarness(t)
	h.mgr.Handle(broadcast.Envelope{Type: broadcast.TypePresence, ClientID: "peer", Data: "bm90IGpzb24="})
	assert.Empty(t, h.events)
}

func TestStopCancelsTasks(t *testing.T) {
	h := newHarness(t)
	h.mgr.Stop()
	assert.Zero(t, h.clock.Tasks())
	n := len(h.sent)
	h.clock.Advance(time.Minute)
	assert.Len(t, h.sent, n)
}
