package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/engine"
)

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var body CompressBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.Compress(r.Context(), engine.CompressRequest{
		Collection:     chi.URLParam(r, "collection"),
		ConversationID: chi.URLParam(r, "conversationID"),
		Settings:       body.Settings,
		Holder:         body.Holder,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRecompress(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(chi.URLParam(r, "part"))
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.ErrInvalidPart, "%q", chi.URLParam(r, "part")))
		return
	}
	var body CompressBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.Recompress(r.Context(), engine.RecompressRequest{
		Collection:     chi.URLParam(r, "collection"),
		ConversationID: chi.URLParam(r, "conversationID"),
		PartNumber:     part,
		Settings:       body.Settings,
		Holder:         body.Holder,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDerivatives(w http.ResponseWriter, r *http.Request) {
	ds, err := s.engine.ListDerivatives(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"derivatives": ds})
}

func (s *Server) handleGetDerivative(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDerivative(r.Context(), chi.URLParam(r, "collection"),
		chi.URLParam(r, "conversationID"), chi.URLParam(r, "versionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDerivativeContent(w http.ResponseWriter, r *http.Request) {
	id, version := chi.URLParam(r, "conversationID"), chi.URLParam(r, "versionID")
	msgs, err := s.engine.GetDerivativeContent(r.Context(), chi.URLParam(r, "collection"), id, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DerivativeContent{ConversationID: id, VersionID: version, Messages: msgs})
}

func (s *Server) handleDeleteDerivative(w http.ResponseWriter, r *http.Request) {
	force, err := queryBool(r, "force")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.DeleteDerivative(r.Context(), chi.URLParam(r, "collection"),
		chi.URLParam(r, "conversationID"), chi.URLParam(r, "versionID"), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
