package types

import "time"

// EditDescription describes the business intent of an edit. Passed to
// WithTransaction, it becomes the transaction origin and yields an activity
// event once the transaction completes.
type EditDescription struct {
	Model *Model
	Data  map[string]any
}

// ActivityKind distinguishes edit activity from custom activity.
type ActivityKind string

// Activity kinds.
const (
	ActivityEdit    ActivityKind = "edit"
	ActivityUnknown ActivityKind = "unknown"
)

// ActivityEvent is a durable notification derived from an edit.
type ActivityEvent struct {
	DocumentID string
	ClientID   string
	Kind       ActivityKind
	// Model is nil when the model named by ModelName is not declared in
	// the local schema.
	Model     *Model
	ModelName string
	Data      map[string]any
	Timestamp time.Time
	// Self is true for activity produced by this client.
	Self bool
}

// PresenceKind is the type of a presence event.
type PresenceKind string

// Presence kinds.
const (
	PresenceArrived  PresenceKind = "arrived"
	PresenceDeparted PresenceKind = "departed"
	PresenceCustom   PresenceKind = "custom"
	PresenceUnknown  PresenceKind = "unknown"
)

// PresenceEvent is an ephemeral notification about another client.
type PresenceEvent struct {
	DocumentID string
	ClientID   string
	Kind       PresenceKind
	// Model and ModelName are set for custom and unknown events.
	Model     *Model
	ModelName string
	Data      map[string]any
	Self      bool
}

// PresenceOptions tune a presence subscription.
type PresenceOptions struct {
	// IgnoreSelfUpdates drops events this client originated.
	IgnoreSelfUpdates bool
}
