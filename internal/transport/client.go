// Package transport is the client side of the relay protocol: JSON calls for
// document metadata and one websocket per synced document.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/docsync/internal/remote"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

const requestTimeout = 30 * time.Second

// Options configure a Client.
type Options struct {
	// Token is sent as a bearer token on every request.
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client talks to one relay server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ remote.Transport = (*Client)(nil)

// New returns a client for the relay at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		token:  opts.Token,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
		logger: opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: requestTimeout}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "transport", "relay", u.Host)
	return c, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// endpoint resolves an escaped path and query against the base URL.
func (c *Client) endpoint(path string, q url.Values) string {
	u := withPath(*c.base, path)
	u.RawQuery = q.Encode()
	return u.String()
}

// withPath appends the escaped path to u, keeping escapes such as %2F.
func withPath(u url.URL, escaped string) url.URL {
	raw := u.EscapedPath() + escaped
	p, err := url.PathUnescape(raw)
	if err != nil {
		u.Path += escaped
		return u
	}
	u.Path, u.RawPath = p, raw
	return u
}

// docPath returns the escaped path of docID under prefix.
func docPath(prefix, docID string) string {
	return prefix + "/" + url.PathEscape(docID)
}

// do performs one JSON call. Transport and server failures are wrapped in a
// TransportError; a 404 wraps ErrNotFound.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return types.NewTransportError(op, err)
	}
	req.Header = c.header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %s", op, types.ErrNotFound, e.Error)
		}
		return types.NewTransportError(op, errors.New(e.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewTransportError(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// FetchMetadata returns the metadata of docID.
func (c *Client) FetchMetadata(ctx context.Context, docID string) (types.DocumentMetadata, error) {
	var md types.DocumentMetadata
	err := c.do(ctx, "fetch metadata", http.MethodGet, docPath(DocumentsPath, docID), nil, nil, &md)
	return md, err
}

// CreateDocument creates a document on the relay.
func (c *Client) CreateDocument(ctx context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error) {
	var md types.DocumentMetadata
	err := c.do(ctx, "create document", http.MethodPost, DocumentsPath, nil, NewCreateRequest(opts, initial), &md)
	return md, err
}

// SearchDocuments lists the relay's documents matching q.
func (c *Client) SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	var docs []types.DocumentMetadata
	err := c.do(ctx, "search documents", http.MethodGet, DocumentsPath, SearchValues(q), nil, &docs)
	return docs, err
}

func (c *Client) syncURL(docID, clientID string) string {
	u := withPath(*c.base, docPath(SyncPath, docID))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{ClientIDParam: {clientID}}.Encode()
	return u.String()
}
