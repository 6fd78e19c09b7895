package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/engine"
)

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.ListCollections(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.engine.ListConversations(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, apperr.New(apperr.ErrInvalidInput, "path required"))
		return
	}
	conv, err := s.engine.Register(r.Context(), chi.URLParam(r, "collection"), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleRegisterBatch(w http.ResponseWriter, r *http.Request) {
	var req RegisterBatchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Paths) == 0 {
		s.writeError(w, r, apperr.New(apperr.ErrInvalidInput, "paths required"))
		return
	}
	// Per-item failures are part of the report, not of the status.
	writeJSON(w, http.StatusOK, s.engine.RegisterBatch(r.Context(), chi.URLParam(r, "collection"), req.Paths))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.GetConversation(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var opts engine.UnregisterOptions
	var err error
	if opts.DeleteFiles, err = queryBool(r, "deleteFiles"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Force, err = queryBool(r, "force"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Unregister(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"), opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Sync(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleVerify serves both the collection-wide and the per-conversation
// check; the latter has a conversationID route parameter.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	reports, err := s.engine.Verify(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok := true
	for _, rep := range reports {
		ok = ok && rep.OK
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "reports": reports})
}
