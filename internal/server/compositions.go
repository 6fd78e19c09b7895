package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/strata/internal/compose"
)

var contentTypes = map[string]string{
	compose.FormatMarkdown: "text/markdown; charset=utf-8",
	compose.FormatJSONL:    "application/x-ndjson",
	compose.FormatText:     "text/plain; charset=utf-8",
}

func (s *Server) handleCreateComposition(w http.ResponseWriter, r *http.Request) {
	var req compose.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.engine.CreateComposition(r.Context(), chi.URLParam(r, "collection"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handlePreviewComposition(w http.ResponseWriter, r *http.Request) {
	var req compose.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.PreviewComposition(r.Context(), chi.URLParam(r, "collection"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListCompositions(w http.ResponseWriter, r *http.Request) {
	comps, err := s.engine.ListCompositions(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compositions": comps})
}

func (s *Server) handleGetComposition(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetComposition(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "compositionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCompositionContent(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = compose.FormatMarkdown
	}
	data, canon, err := s.engine.GetCompositionContent(r.Context(), chi.URLParam(r, "collection"),
		chi.URLParam(r, "compositionID"), format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[canon])
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteComposition(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteComposition(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "compositionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
