package types

import (
	"sort"
	"strings"
	"time"
)

// DocumentMetadata describes a document independently of its content.
type DocumentMetadata struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DocumentType  string    `json:"document_type"`
	Security      Security  `json:"security"`
	Owner         string    `json:"owner,omitempty"`
	Ontology      string    `json:"ontology,omitempty"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Security carries the classification context of a document. Its values
// are opaque to docsync.
type Security struct {
	Classification []string `json:"classification,omitempty"`
	Markings       []string `json:"markings,omitempty"`
}

// CreateDocumentOptions describe a document to create.
type CreateDocumentOptions struct {
	Name         string
	DocumentType string
	Schema       *DocumentSchema
	Security     Security
	Owner        string
	Ontology     string

	// Initial seeds the new document. Keys are model names, values map
	// record ids to record states.
	Initial map[string]map[string]map[string]any
}

// SearchQuery filters documents by name substring and type.
// Empty fields match everything.
type SearchQuery struct {
	Name         string `json:"name,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// Matches reports whether md satisfies q. Name matching ignores case.
func (q SearchQuery) Matches(md DocumentMetadata) bool {
	if q.DocumentType != "" && md.DocumentType != q.DocumentType {
		return false
	}
	return q.Name == "" || strings.Contains(strings.ToLower(md.Name), strings.ToLower(q.Name))
}

// Filter returns the documents matching q, most recently updated first,
// truncated to q.Limit.
func (q SearchQuery) Filter(docs []DocumentMetadata) []DocumentMetadata {
	var out []DocumentMetadata
	for _, md := range docs {
		if q.Matches(md) {
			out = append(out, md)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
