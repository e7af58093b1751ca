// Package crdt implements the replicated document substrate: nested maps
// and arrays with transactional mutation, change observation and
// last-writer-wins merge of updates exchanged as opaque byte slices.
//
// Every map entry is a register stamped with (Lamport clock, client id).
// Applying an update keeps the entry with the greater stamp, so replicas that
// have seen the same set of updates converge regardless of order. Nested maps
// carry the stamp of the entry that created them; operations addressed to a
// superseded map are discarded. Arrays are values and are replaced whole.
package crdt
