package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"postflow/internal/ai"
	"postflow/internal/apperr"
	"postflow/internal/config"
	"postflow/internal/events"
	"postflow/internal/models"
	"postflow/internal/ratelimit"
	"postflow/internal/service"
	"postflow/internal/store"
	"postflow/internal/telemetry"
)

// Server wires the HTTP handlers over the post and job services. It returns
// plain JSON; rendering belongs to the web client.
type Server struct {
	cfg     config.Config
	posts   *service.Posts
	jobs    *service.Jobs
	ai      *ai.Client
	hub     *events.Hub
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. ai, hub, and limiter may be nil.
func New(cfg config.Config, posts *service.Posts, jobs *service.Jobs, aiClient *ai.Client, hub *events.Hub, limiter *ratelimit.TokenBucket, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		posts:   posts,
		jobs:    jobs,
		ai:      aiClient,
		hub:     hub,
		limiter: limiter,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireOwner)

		r.Get("/posts", s.handleListPosts)
		r.Get("/posts/{id}", s.handleGetPost)
		r.Get("/jobs", s.handleListJobLogs)
		r.Get("/jobs/{id}", s.handleGetJobLog)
		r.Get("/ws/jobs", s.handleJobEvents)
		r.Post("/ai/captions", s.handleCaptions)
		r.Get("/ai/best-time", s.handleBestTime)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)

			r.Post("/posts", s.handleCreatePost)
			r.Patch("/posts/{id}/schedule", s.handleUpdateSchedule)
			r.Delete("/posts/{id}", s.handleDeletePost)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
		})
	})

	return r
}

// handleJobEvents streams the caller's job transitions over a websocket.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, apperr.NotFound("event feed", "jobs"))
		return
	}
	s.hub.ServeWS(ownerFrom, s.log)(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"queue_mode": s.queueMode(),
	})
}

func (s *Server) queueMode() string {
	if s.posts == nil {
		return ""
	}
	return s.posts.QueueMode()
}

type createPostRequest struct {
	Content      string `json:"content"`
	Platform     string `json:"platform"`
	MediaURL     string `json:"media_url"`
	ScheduledFor string `json:"scheduled_for"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("body", "invalid json"))
		return
	}

	post, err := s.posts.CreatePost(r.Context(), ownerFrom(r), service.CreatePostInput{
		Content:      req.Content,
		Platform:     req.Platform,
		MediaURL:     req.MediaURL,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q)
	if err != nil {
		writeError(w, err)
		return
	}
	posts, err := s.posts.GetUserPosts(r.Context(), ownerFrom(r), store.PostFilter{
		Status:   q.Get("status"),
		Platform: q.Get("platform"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.posts.GetPostByID(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

type updateScheduleRequest struct {
	ScheduledFor string `json:"scheduled_for"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("body", "invalid json"))
		return
	}

	post, err := s.posts.UpdateSchedule(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.ScheduledFor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.posts.DeletePost(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListJobLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.jobs.GetUserJobLogs(r.Context(), ownerFrom(r), store.JobLogFilter{
		Status: q.Get("status"),
		PostID: q.Get("post_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleGetJobLog(w http.ResponseWriter, r *http.Request) {
	jl, err := s.jobs.GetJobLogByID(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jl)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jl, err := s.jobs.RetryJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jl)
}

type captionRequest struct {
	Content  string `json:"content"`
	Platform string `json:"platform"`
	Tone     string `json:"tone"`
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	if s.ai == nil || !s.ai.Enabled() {
		writeError(w, apperr.NotFound("ai provider", "captions"))
		return
	}
	var req captionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("body", "invalid json"))
		return
	}
	if req.Content == "" {
		writeError(w, apperr.Validation("content", "content is required"))
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, apperr.Validation("platform", err.Error()))
		return
	}

	captions, err := s.ai.GenerateCaptions(r.Context(), ai.CaptionRequest{
		Content:  req.Content,
		Platform: platform,
		Tone:     req.Tone,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("caption generation failed")
		writeJSON(w, http.StatusBadGateway, errorBody("AI_ERROR", "caption generation failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captions": captions})
}

func (s *Server) handleBestTime(w http.ResponseWriter, r *http.Request) {
	if s.ai == nil || !s.ai.Enabled() {
		writeError(w, apperr.NotFound("ai provider", "best-time"))
		return
	}
	platform, err := models.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		writeError(w, apperr.Validation("platform", err.Error()))
		return
	}

	best, err := s.ai.SuggestBestTime(r.Context(), platform)
	if err != nil {
		s.log.Error().Err(err).Msg("best-time suggestion failed")
		writeJSON(w, http.StatusBadGateway, errorBody("AI_ERROR", "time suggestion failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"best_time": best})
}

// pageParams parses limit/offset. Absent values stay zero for the service
// defaults; anything non-numeric is rejected rather than silently coerced.
func pageParams(q url.Values) (limit, offset int, err error) {
	if limit, err = intQuery(q, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intQuery(q, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intQuery(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name, "must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

func writeError(w http.ResponseWriter, err error) {
	var vErr *apperr.ValidationError
	var nfErr *apperr.NotFoundError
	var trErr *apperr.TransientError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorBody("VALIDATION_ERROR", vErr.Error()))
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusNotFound, errorBody("NOT_FOUND", nfErr.Error()))
	case errors.As(err, &trErr):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("UNAVAILABLE", "service temporarily unavailable"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "internal error"))
	}
}
