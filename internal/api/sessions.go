package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/depth"
	iduuid "github.com/JakeFAU/scrolldepth/internal/id/uuid"
	"github.com/JakeFAU/scrolldepth/internal/session"
	"github.com/JakeFAU/scrolldepth/internal/store"
)

const maxBodyBytes = 64 << 10

type createSessionRequest struct {
	Milestones []float64 `json:"milestones"`
	Label      string    `json:"label"`
	URL        string    `json:"url"`
}

type createSessionResponse struct {
	SessionID  uuid.UUID `json:"session_id"`
	StartTime  time.Time `json:"start_time"`
	Milestones []float64 `json:"milestones"`
}

// sampleRequest carries either a ready fraction (depth) or the raw scroll
// geometry the fraction is derived from.
type sampleRequest struct {
	Depth          *float64   `json:"depth"`
	ScrollTop      *float64   `json:"scroll_top"`
	ViewportHeight *float64   `json:"viewport_height"`
	ScrollHeight   *float64   `json:"scroll_height"`
	At             *time.Time `json:"at"`
}

type sampleResponse struct {
	Reached []depth.MilestoneReached `json:"reached"`
}

type milestoneDTO struct {
	Index         int       `json:"index"`
	Milestone     float64   `json:"milestone"`
	Percentage    float64   `json:"percentage"`
	AttentionTime int64     `json:"attentionTime"`
	ReachedAt     time.Time `json:"reached_at"`
	URL           string    `json:"url,omitempty"`
	Label         string    `json:"label,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	milestones := req.Milestones
	if milestones == nil {
		milestones = slices.Clone(s.cfg.Tracker.DefaultMilestones)
	}
	info, err := s.sessions.Create(r.Context(), session.Spec{Milestones: milestones, URL: req.URL, Label: req.Label})
	switch {
	case errors.Is(err, depth.ErrNoMilestones):
		writeError(w, http.StatusBadRequest, "at least one milestone is required")
		return
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		s.logger.Error("create session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+info.ID.String())
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  info.ID,
		StartTime:  info.StartedAt,
		Milestones: info.Milestones,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Close(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postSample(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow(id.String()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "sample rate exceeded")
		return
	}
	var req sampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	fraction, ok := req.fraction()
	if !ok {
		writeError(w, http.StatusBadRequest, "depth or scroll_top, viewport_height and scroll_height are required")
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	fired, err := s.sessions.Sample(r.Context(), id, fraction, at)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		s.logger.Warn("sample failed", zap.Stringer("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply sample")
		return
	}
	if fired == nil {
		fired = []depth.MilestoneReached{}
	}
	writeJSON(w, http.StatusOK, sampleResponse{Reached: fired})
}

// fraction derives the visible fraction. A zero scroll height yields NaN,
// which fires nothing.
func (req sampleRequest) fraction() (float64, bool) {
	if req.Depth != nil {
		return *req.Depth, true
	}
	if req.ScrollTop == nil || req.ViewportHeight == nil || req.ScrollHeight == nil {
		return 0, false
	}
	if *req.ScrollHeight == 0 {
		return math.NaN(), true
	}
	return (*req.ScrollTop + *req.ViewportHeight) / *req.ScrollHeight, true
}

func (s *Server) listMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "milestone repository unavailable")
		return
	}
	records, err := s.repo.ListMilestones(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no milestones recorded")
		return
	case err != nil:
		s.logger.Error("list milestones failed", zap.Stringer("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list milestones")
		return
	}
	out := make([]milestoneDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, milestoneDTO{
			Index:         rec.MilestoneIndex,
			Milestone:     rec.Milestone,
			Percentage:    rec.Percentage,
			AttentionTime: rec.AttentionMillis,
			ReachedAt:     rec.ReachedAt,
			URL:           rec.URL,
			Label:         rec.Label,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "milestones": out})
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := iduuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
