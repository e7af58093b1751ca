package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

func TestFreshDocumentIsUnloaded(t *testing.T) {
	tr := NewTracker(nil)

	var got []types.DocumentStatus
	off := tr.OnStatusChange("doc", func(s types.DocumentStatus) { got = append(got, s) })
	defer off()

	require.Len(t, got, 1)
	assert.Equal(t, types.LoadUnloaded, got[0].Metadata.Load)
	assert.Equal(t, types.LoadUnloaded, got[0].Data.Load)
	assert.Equal(t, types.LiveDisconnected, got[0].Data.Live)
}

func TestLateSubscriberSeesLoaded(t *testing.T) {
	tr := NewTracker(nil)

	var early []types.LoadState
	tr.OnStatusChange("doc", func(s types.DocumentStatus) { early = append(early, s.Metadata.Load) })

	tr.UpdateMetadataStatus("doc", types.MetadataStatusUpdate{Load: types.Load(types.LoadLoading)})
	tr.UpdateMetadataStatus("doc", types.MetadataStatusUpdate{Load: types.Load(types.LoadLoaded)})
	assert.Equal(t, []types.LoadState{types.LoadUnloaded, types.LoadLoading, types.LoadLoaded}, early)

	var late []types.LoadState
	tr.OnStatusChange("doc", func(s types.DocumentStatus) { late = append(late, s.Metadata.Load) })
	assert.Equal(t, []types.LoadState{types.LoadLoaded}, late)
}

func TestErrorIsStoredAndUnchangedUpdatesAreSilent(t *testing.T) {
	tr := NewTracker(nil)
	var n int
	tr.OnStatusChange("doc", func(types.DocumentStatus) { n++ })

	cause := errors.New("disk gone")
	tr.UpdateDataStatus("doc", types.DataStatusUpdate{
		Load:  types.Load(types.LoadError),
		Live:  types.Live(types.LiveError),
		Error: cause,
	})
	tr.UpdateDataStatus("doc", types.DataStatusUpdate{
		Load:  types.Load(types.LoadError),
		Live:  types.Live(types.LiveError),
		Error: cause,
	})

	assert.Equal(t, 2, n)
	st := tr.Status("doc")
	assert.Equal(t, types.LoadError, st.Data.Load)
	assert.ErrorIs(t, st.Data.Error, cause)
	assert.Equal(t, types.LoadUnloaded, st.Metadata.Load)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := NewTracker(nil)
	var n int
	off := tr.OnStatusChange("doc", func(types.DocumentStatus) { n++ })
	off()
	off()

	tr.UpdateDataStatus("doc", types.DataStatusUpdate{Load: types.Load(types.LoadLoading)})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tr.Subscribers("doc"))
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	tr := NewTracker(nil)
	var order []string
	tr.OnStatusChange("doc", func(types.DocumentStatus) { order = append(order, "a") })
	tr.OnStatusChange("doc", func(types.DocumentStatus) { order = append(order, "b") })
	order = nil

	tr.UpdateMetadataStatus("doc", types.MetadataStatusUpdate{Load: types.Load(types.LoadLoading)})
	assert.Equal(t, []string{"a", "b"}, order)
}
