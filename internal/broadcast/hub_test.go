package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []Envelope
}

func (c *collector) handle(e Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
}

func (c *collector) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.got...)
}

func TestPostReachesOtherMembersInOrder(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var a, b collector
	chA := h.Open("doc-1", a.handle)
	h.Open("doc-1", b.handle)
	other := &collector{}
	h.Open("doc-2", other.handle)
	assert.Equal(t, 2, h.Members("doc-1"))

	for _, p := range []string{"one", "two", "three"} {
		chA.Post(NewEnvelope(TypeUpdate, "client-a", []byte(p)))
	}

	require.Eventually(t, func() bool { return len(b.envelopes()) == 3 }, time.Second, 5*time.Millisecond)
	var payloads []string
	for _, e := range b.envelopes() {
		p, err := e.Payload()
		require.NoError(t, err)
		payloads = append(payloads, string(p))
	}
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
	assert.Empty(t, a.envelopes())
	assert.Empty(t, other.envelopes())
}

func TestClosedMemberStopsReceiving(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var got collector
	sender := h.Open("doc", func(Envelope) {})
	receiver := h.Open("doc", got.handle)

	receiver.Close()
	receiver.Close()
	assert.Equal(t, 1, h.Members("doc"))

	sender.Post(NewEnvelope(TypeHeartbeat, "client-a", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.envelopes())

	sender.Close()
	assert.Zero(t, h.Members("doc"))
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	var got collector
	sender := h.Open("doc", func(Envelope) {})
	h.Open("doc", func(e Envelope) {
		if e.Type == TypePresence {
			panic("bad payload")
		}
		got.handle(e)
	})

	sender.Post(NewEnvelope(TypePresence, "client-a", nil))
	sender.Post(NewEnvelope(TypeActivity, "client-a", nil))
	require.Eventually(t, func() bool { return len(got.envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TypeActivity, got.envelopes()[0].Type)
}

func TestPayloadRejectsBadData(t *testing.T) {
	_, err := Envelope{Type: TypeUpdate, Data: "%%%"}.Payload()
	assert.Error(t, err)
}
