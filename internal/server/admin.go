package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/store"
)

func (s *Server) handleListPins(w http.ResponseWriter, r *http.Request) {
	pins, err := s.engine.GetPins(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pins": pins})
}

func (s *Server) handleSetPinWeight(w http.ResponseWriter, r *http.Request) {
	var req PinWeightRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Weight == nil {
		s.writeError(w, r, apperr.New(apperr.ErrInvalidInput, "weight required"))
		return
	}
	pin, err := s.engine.SetPinWeight(r.Context(), chi.URLParam(r, "collection"),
		chi.URLParam(r, "conversationID"), chi.URLParam(r, "pinID"), *req.Weight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (s *Server) handlePreviewDecay(w http.ResponseWriter, r *http.Request) {
	var sc decay.Scenario
	var err error
	if sc.Distance, err = queryInt(r, "distance"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if sc.Ratio, err = queryFloat(r, "ratio"); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.engine.PreviewDecay(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "conversationID"), sc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"locks": s.engine.LockStatus(r.Context())})
}

func (s *Server) handleCleanupLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CleanupResponse{Reclaimed: s.engine.CleanupLocks(r.Context())})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Collection:     q.Get("collection"),
		ConversationID: q.Get("conversation"),
		Status:         q.Get("status"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.engine.Jobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
