package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/mesh-intelligence/docsync/internal/transport"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	q, err := transport.ParseSearch(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	docs, err := s.store.SearchDocuments(r.Context(), q)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("search failed"))
		return
	}
	if docs == nil {
		docs = []types.DocumentMetadata{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req transport.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	md, err := s.store.CreateDocument(r.Context(), req.Metadata(), req.Initial)
	if err != nil {
		s.logger.Error("create failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("create failed"))
		return
	}
	s.logger.Info("document created", "doc_id", md.ID, "name", md.Name)
	writeJSON(w, http.StatusCreated, md)
}

// docIDParam returns the document id of the route. chi matches on the raw
// path when the request carries one, so the id is still escaped then.
func docIDParam(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return id, true
	}
	id, err := url.PathUnescape(id)
	return id, err == nil
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := docIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid document id"))
		return
	}
	md, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("document not found"))
		return
	}
	if err != nil {
		s.logger.Error("get failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("get failed"))
		return
	}
	writeJSON(w, http.StatusOK, md)
}
