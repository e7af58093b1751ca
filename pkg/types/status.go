package types

// LoadState is the load axis of a status channel.
type LoadState string

// Load axis states: UNLOADED → LOADING → {LOADED | ERROR}.
const (
	LoadUnloaded LoadState = "UNLOADED"
	LoadLoading  LoadState = "LOADING"
	LoadLoaded   LoadState = "LOADED"
	LoadError    LoadState = "ERROR"
)

// LiveState is the live axis of the data channel.
type LiveState string

// Live axis states: DISCONNECTED → CONNECTING → {CONNECTED | ERROR}.
const (
	LiveDisconnected LiveState = "DISCONNECTED"
	LiveConnecting   LiveState = "CONNECTING"
	LiveConnected    LiveState = "CONNECTED"
	LiveError        LiveState = "ERROR"
)

// MetadataStatus is the status of a document's metadata channel.
type MetadataStatus struct {
	Load  LoadState
	Error error
}

// DataStatus is the status of a document's data channel.
type DataStatus struct {
	Load  LoadState
	Live  LiveState
	Error error
}

// DocumentStatus pairs the metadata and data channel statuses.
type DocumentStatus struct {
	Metadata MetadataStatus
	Data     DataStatus
}

// InitialStatus is the status of a document nobody has loaded yet.
func InitialStatus() DocumentStatus {
	return DocumentStatus{
		Metadata: MetadataStatus{Load: LoadUnloaded},
		Data:     DataStatus{Load: LoadUnloaded, Live: LiveDisconnected},
	}
}

// MetadataStatusUpdate is a partial metadata status. Nil fields are left
// unchanged. Error is stored as given, so a nil Error clears it.
type MetadataStatusUpdate struct {
	Load  *LoadState
	Error error
}

// DataStatusUpdate is a partial data status. Nil fields are left unchanged.
// Error is stored as given, so a nil Error clears it.
type DataStatusUpdate struct {
	Load  *LoadState
	Live  *LiveState
	Error error
}

// Load returns a pointer to s for use in status updates.
func Load(s LoadState) *LoadState { return &s }

// Live returns a pointer to s for use in status updates.
func Live(s LiveState) *LiveState { return &s }
