package transport

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Routes served by the relay.
const (
	DocumentsPath = "/api/documents"
	SyncPath      = "/ws/documents"
)

// ClientIDParam is the query parameter that names the connecting client on
// a sync connection.
const ClientIDParam = "client_id"

// CreateRequest is the body of POST /api/documents. Initial is the encoded
// initial state of the document.
type CreateRequest struct {
	Name          string         `json:"name"`
	DocumentType  string         `json:"document_type,omitempty"`
	Security      types.Security `json:"security"`
	Owner         string         `json:"owner,omitempty"`
	Ontology      string         `json:"ontology,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Initial       []byte         `json:"initial,omitempty"`
}

// NewCreateRequest builds the request for opts.
func NewCreateRequest(opts types.CreateDocumentOptions, initial []byte) CreateRequest {
	req := CreateRequest{
		Name:         opts.Name,
		DocumentType: opts.DocumentType,
		Security:     opts.Security,
		Owner:        opts.Owner,
		Ontology:     opts.Ontology,
		Initial:      initial,
	}
	if opts.Schema != nil {
		req.SchemaVersion = opts.Schema.Version
	}
	return req
}

// Metadata returns the metadata a relay stores for req.
func (req CreateRequest) Metadata() types.DocumentMetadata {
	return types.DocumentMetadata{
		Name:          req.Name,
		DocumentType:  req.DocumentType,
		Security:      req.Security,
		Owner:         req.Owner,
		Ontology:      req.Ontology,
		SchemaVersion: req.SchemaVersion,
	}
}

// ErrorResponse is the body of every non-2xx relay response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SearchValues encodes q as query parameters.
func SearchValues(q types.SearchQuery) url.Values {
	v := url.Values{}
	if q.Name != "" {
		v.Set("name", q.Name)
	}
	if q.DocumentType != "" {
		v.Set("type", q.DocumentType)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ParseSearch decodes query parameters written by SearchValues.
func ParseSearch(v url.Values) (types.SearchQuery, error) {
	q := types.SearchQuery{Name: v.Get("name"), DocumentType: v.Get("type")}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	return q, nil
}
