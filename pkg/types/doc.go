// Package types defines the DocumentService contract, the reference
// interfaces, schema and status types, and the standard errors shared by
// every docsync backend.
package types
