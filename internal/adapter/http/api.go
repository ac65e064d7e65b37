package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/NeilCic/nappatzim-sub001/internal/domain"
	"github.com/NeilCic/nappatzim-sub001/internal/service"
)

// API is the application surface served under /v1.
type API interface {
	Catalog() domain.Catalog
	CreateClimb(ctx context.Context, name string, system domain.GradingSystem, grade string) (domain.Climb, error)
	DeleteClimb(ctx context.Context, id string) error
	SubmitVote(ctx context.Context, v domain.Vote) (domain.ConsensusEvent, error)
	ClimbConsensus(ctx context.Context, climbID string) (domain.Consensus, error)
	ClimbStatistics(ctx context.Context, climbID string) (domain.VoteStatistics, error)
	StartSession(ctx context.Context, userID string) (domain.Session, error)
	EndSession(ctx context.Context, sessionID string) (domain.Session, error)
	LogRoute(ctx context.Context, sessionID string, in service.RouteInput) (domain.RouteAttempt, error)
	RefreshRoute(ctx context.Context, routeID string) (domain.RouteAttempt, error)
	Insights(ctx context.Context, userID string, minSessions int) (domain.InsightsReport, error)
}

type errorResponse struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Catalog())
}

type validateGradeRequest struct {
	Grade         string               `json:"grade"`
	GradingSystem domain.GradingSystem `json:"grading_system"`
	AllowRanges   bool                 `json:"allow_ranges"`
}

type validateGradeResponse struct {
	Valid   bool `json:"valid"`
	Numeric *int `json:"numeric"`
}

func (s *Server) handleValidateGrade(w http.ResponseWriter, r *http.Request) {
	var req validateGradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := domain.ValidateField("grade", req.Grade, req.GradingSystem, req.AllowRanges); err != nil {
		s.writeError(w, err)
		return
	}

	resp := validateGradeResponse{Valid: true}
	if n, ok := domain.ToNumeric(req.Grade, req.GradingSystem); ok {
		resp.Numeric = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

type convertGradesRequest struct {
	Grades        []string             `json:"grades"`
	GradingSystem domain.GradingSystem `json:"grading_system"`
}

type convertGradesResponse struct {
	Numeric []*int  `json:"numeric"`
	Average *string `json:"average"`
}

func (s *Server) handleConvertGrades(w http.ResponseWriter, r *http.Request) {
	var req convertGradesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := domain.ParseGradingSystem(string(req.GradingSystem)); err != nil {
		s.writeError(w, err)
		return
	}

	resp := convertGradesResponse{Numeric: make([]*int, len(req.Grades))}
	for i, g := range req.Grades {
		if n, ok := domain.ToNumeric(g, req.GradingSystem); ok {
			resp.Numeric[i] = &n
		}
	}
	if avg, ok := domain.AverageGrade(req.Grades, req.GradingSystem); ok {
		resp.Average = &avg
	}
	writeJSON(w, http.StatusOK, resp)
}

type createClimbRequest struct {
	Name          string               `json:"name"`
	GradingSystem domain.GradingSystem `json:"grading_system"`
	Grade         string               `json:"grade"`
}

func (s *Server) handleCreateClimb(w http.ResponseWriter, r *http.Request) {
	var req createClimbRequest
	if !s.decode(w, r, &req) {
		return
	}
	climb, err := s.api.CreateClimb(r.Context(), req.Name, req.GradingSystem, req.Grade)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, climb)
}

func (s *Server) handleDeleteClimb(w http.ResponseWriter, r *http.Request) {
	if err := s.api.DeleteClimb(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	Grade       string   `json:"grade"`
	HeightCM    *int     `json:"height_cm"`
	Descriptors []string `json:"descriptors"`
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.api.SubmitVote(r.Context(), domain.Vote{
		ClimbID:     r.PathValue("id"),
		UserID:      r.PathValue("user"),
		Grade:       req.Grade,
		HeightCM:    req.HeightCM,
		Descriptors: req.Descriptors,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	c, err := s.api.ClimbConsensus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.api.ClimbStatistics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.api.StartSession(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.api.EndSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogRoute(w http.ResponseWriter, r *http.Request) {
	var req service.RouteInput
	if !s.decode(w, r, &req) {
		return
	}
	attempt, err := s.api.LogRoute(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (s *Server) handleRefreshRoute(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.api.RefreshRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	minSessions := 0
	if v := r.URL.Query().Get("min_sessions"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:    "min_sessions must be a positive integer",
				Field:    "min_sessions",
				Expected: "integer >= 1",
			})
			return
		}
		minSessions = n
	}

	report, err := s.api.Insights(r.Context(), r.PathValue("id"), minSessions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ige *domain.InvalidGradeError
	switch {
	case errors.As(err, &ige):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:    err.Error(),
			Field:    ige.Field,
			Expected: ige.Expected,
		})
	case errors.Is(err, domain.ErrUnknownGradingSystem):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:    err.Error(),
			Field:    "grading_system",
			Expected: supportedSystems(),
		})
	case errors.Is(err, service.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrSessionClosed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func supportedSystems() string {
	systems := domain.DefaultCatalog().GradingSystems
	names := make([]string, len(systems))
	for i, sys := range systems {
		names[i] = string(sys)
	}
	return "one of " + strings.Join(names, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
