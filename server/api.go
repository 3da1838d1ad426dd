package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"contest-arena/server/auth"
	"contest-arena/server/config"
	"contest-arena/server/contest"
	"contest-arena/server/judge"
	"contest-arena/server/leaderboard"
	"contest-arena/server/middleware"
	"contest-arena/server/realtime"
	"contest-arena/server/store"
)

// practiceQueue accepts contest-less judging work. The asynq-backed Jobs
// client implements it in production.
type practiceQueue interface {
	EnqueuePractice(req *judge.SubmitRequest) error
}

// API is the HTTP surface around the realtime core: token issuance, admin
// authoring, public reads, practice intake, websockets, metrics, health.
type API struct {
	cfg      *config.Config
	store    store.Store
	engine   leaderboard.Engine
	orch     *contest.Orchestrator
	issuer   *auth.Issuer
	ws       *realtime.Handler
	practice practiceQueue
}

func NewAPI(cfg *config.Config, st store.Store, engine leaderboard.Engine, orch *contest.Orchestrator, issuer *auth.Issuer, ws *realtime.Handler, practice practiceQueue) *API {
	return &API{cfg: cfg, store: st, engine: engine, orch: orch, issuer: issuer, ws: ws, practice: practice}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", a.ws.ServeContest)
	r.Get("/ws/public", a.ws.ServePublic)

	r.Post("/auth/token", a.handleToken)
	r.Get("/contests", a.handleListContests)
	r.Get("/leaderboard/{contestID}", a.handleLeaderboard)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(a.issuer))
		r.Post("/practice/submissions", a.handlePracticeSubmit)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(a.issuer))
		r.Use(middleware.RequireRole(auth.RoleAdmin))

		r.Post("/questions", a.handleCreateQuestion)
		r.Get("/questions/{questionID}", a.handleGetQuestion)
		r.Post("/contests", a.handleCreateContest)
		r.Put("/contests/{contestID}", a.handleUpdateContest)
		r.Post("/contests/{contestID}/publish", a.handlePublishContest)
		r.Post("/contests/{contestID}/cancel", a.handleCancelContest)
		r.Get("/contests/{contestID}/submissions", a.handleContestSubmissions)
	})

	return otelhttp.NewHandler(r, "contest-arena")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// handleToken issues a signed token. Account verification sits in front of
// this service; the contract here is claims {userId, role, exp}.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	if req.Role != auth.RoleAdmin {
		req.Role = auth.RoleUser
	}
	token, err := a.issuer.GenerateToken(req.UserID, req.Role)
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleListContests(w http.ResponseWriter, r *http.Request) {
	contests, err := a.store.ListContests(r.Context(),
		store.ContestUpcoming, store.ContestActive, store.ContestCompleted)
	if err != nil {
		http.Error(w, "listing unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, contests)
}

// handleLeaderboard serves post-completion standings from the durable
// snapshot, falling back to the live engine while a contest runs.
func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")
	rows, err := a.store.GetSnapshot(r.Context(), contestID)
	if err != nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	if len(rows) > 0 {
		writeJSON(w, http.StatusOK, rows)
		return
	}
	top, err := a.engine.TopK(r.Context(), contestID, 50)
	if err != nil {
		http.Error(w, "leaderboard unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

type practiceRequest struct {
	QuestionID       string `json:"questionId"`
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
	Code             string `json:"code,omitempty"`
	Language         string `json:"language,omitempty"`
}

// handlePracticeSubmit queues contest-less judging. The verdict lands in
// the caller's practice history once a worker picks the job up.
func (a *API) handlePracticeSubmit(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	var req practiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionID == "" {
		http.Error(w, "questionId required", http.StatusBadRequest)
		return
	}
	err := a.practice.EnqueuePractice(&judge.SubmitRequest{
		UserID:           claims.UserID,
		QuestionID:       req.QuestionID,
		SelectedOptionID: req.SelectedOptionID,
		Code:             req.Code,
		Language:         req.Language,
	})
	if err != nil {
		http.Error(w, "practice queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// optionDraft is the authoring shape for an MCQ option. The answer key is
// accepted on input here; store.Option strips it from every response.
type optionDraft struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

type questionDraft struct {
	store.Question
	Options []optionDraft `json:"options,omitempty"`
}

func (a *API) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var draft questionDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "malformed question", http.StatusBadRequest)
		return
	}
	q := draft.Question
	for _, o := range draft.Options {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		q.Options = append(q.Options, store.Option{ID: o.ID, Text: o.Text, IsCorrect: o.IsCorrect})
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Kind == store.KindMCQ && countCorrect(q.Options) != 1 {
		http.Error(w, "MCQ needs exactly one correct option", http.StatusBadRequest)
		return
	}
	q.CreatedAt = time.Now()
	if err := a.store.CreateQuestion(r.Context(), &q); err != nil {
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, &q)
}

func (a *API) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := a.store.GetQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if q == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *API) handleCreateContest(w http.ResponseWriter, r *http.Request) {
	var c store.Contest
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "malformed contest", http.StatusBadRequest)
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !c.StartAt.Before(c.EndAt) {
		http.Error(w, "startAt must precede endAt", http.StatusBadRequest)
		return
	}
	c.Status = store.ContestDraft
	if err := a.store.CreateContest(r.Context(), &c); err != nil {
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, &c)
}

// handleUpdateContest rewrites a contest's definition. Writes are rejected
// once the contest is ACTIVE or COMPLETED.
func (a *API) handleUpdateContest(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")
	existing, err := a.store.GetContest(r.Context(), contestID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if existing == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch existing.Status {
	case store.ContestActive, store.ContestCompleted:
		http.Error(w, "contest is frozen for edits", http.StatusConflict)
		return
	}

	var c store.Contest
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "malformed contest", http.StatusBadRequest)
		return
	}
	c.ID = contestID
	c.Status = existing.Status
	if !c.StartAt.Before(c.EndAt) {
		http.Error(w, "startAt must precede endAt", http.StatusBadRequest)
		return
	}
	if err := a.store.CreateContest(r.Context(), &c); err != nil {
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, &c)
}

func (a *API) handlePublishContest(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")
	if err := a.orch.Publish(r.Context(), contestID); err != nil {
		writeContestError(w, err)
		return
	}
	a.ws.ContestsChanged(contestID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.ContestUpcoming)})
}

func (a *API) handleCancelContest(w http.ResponseWriter, r *http.Request) {
	contestID := chi.URLParam(r, "contestID")
	if err := a.orch.Cancel(r.Context(), contestID); err != nil {
		writeContestError(w, err)
		return
	}
	a.ws.ContestsChanged(contestID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.ContestCompleted)})
}

func (a *API) handleContestSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := a.store.ListContestSubmissions(r.Context(), chi.URLParam(r, "contestID"))
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func writeContestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contest.ErrContestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, contest.ErrContestNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func countCorrect(options []store.Option) int {
	n := 0
	for _, o := range options {
		if o.IsCorrect {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
