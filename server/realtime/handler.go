package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"contest-arena/server/auth"
	"contest-arena/server/contest"
	"contest-arena/server/judge"
	"contest-arena/server/leaderboard"
	"contest-arena/server/store"
)

const (
	maxSessions = 10000

	// Multi-tab is supported, a reconnect storm from one account is not.
	maxUserSessions = 8

	// Ceiling on one submission end to end. The sandbox run sizes its own
	// deadline from the question's limits; this only has to outlast it.
	submitTimeout = 10 * time.Minute
)

// Handler owns the websocket surface: handshake auth, the session
// registry, rooms, and the bridge from contest loop events to sessions.
type Handler struct {
	auth     *auth.Issuer
	orch     *contest.Orchestrator
	pipe     *judge.Pipeline
	store    store.Store
	engine   leaderboard.Engine
	registry *Registry
	rooms    *Rooms

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribed  map[string]func() // contestID -> unsubscribe
	sessionGate chan struct{}
}

func NewHandler(issuer *auth.Issuer, orch *contest.Orchestrator, pipe *judge.Pipeline, st store.Store, engine leaderboard.Engine) *Handler {
	return &Handler{
		auth:     issuer,
		orch:     orch,
		pipe:     pipe,
		store:    st,
		engine:   engine,
		registry: NewRegistry(),
		rooms:    NewRooms(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // CORS is enforced on the HTTP surface
		},
		subscribed:  make(map[string]func()),
		sessionGate: make(chan struct{}, maxSessions),
	}
}

// Shutdown closes every live session.
func (h *Handler) Shutdown() { h.registry.CloseAll() }

// ServeContest is the authenticated channel. The token rides a query
// parameter; validation failure rejects before the upgrade.
func (h *Handler) ServeContest(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.serve(w, r, claims.UserID, claims.Role, "contest")
}

// ServePublic is the anonymous channel: contest listings and public
// leaderboards only.
func (h *Handler) ServePublic(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "", "", "public")
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, userID, role, channel string) {
	select {
	case h.sessionGate <- struct{}{}:
	default:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if userID != "" && len(h.registry.UserSessions(userID)) >= maxUserSessions {
		<-h.sessionGate
		http.Error(w, "too many sessions for this user", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-h.sessionGate
		log.Printf("realtime: upgrade: %v", err)
		return
	}

	s := newSession(uuid.NewString(), userID, role, channel, conn)
	h.registry.Add(s)

	go s.writeLoop()
	go func() {
		s.readLoop(h.dispatch)
		<-s.Done()
		h.rooms.LeaveAll(s)
		h.registry.Remove(s)
		<-h.sessionGate
	}()
}

// dispatch routes one inbound frame. Validation failures answer with an
// error frame and leave all state untouched.
func (h *Handler) dispatch(s *Session, in *Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch in.Event {
	case evPing:
		s.Send(Outbound{Event: evPong, Timestamp: time.Now()}, false)

	case evJoinContest:
		h.handleJoin(ctx, s, in.Data)

	case evSubmitAnswer:
		// Judging can outlast any dispatch budget; the reader must keep
		// servicing pings and resyncs while it runs. The in-flight gate
		// bounds concurrent submits per user.
		data := in.Data
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
			defer cancel()
			h.handleSubmit(ctx, s, data)
		}()

	case evResync:
		h.handleResync(ctx, s, in.Data)

	case evSubscribeContests:
		h.handleSubscribeContests(ctx, s)

	case evSubscribeLeaderboard:
		h.handleSubscribeLeaderboard(ctx, s, in.Data)

	case evUnsubscribeLeaderboard:
		var p contestRefPayload
		if json.Unmarshal(in.Data, &p) == nil && p.ContestID != "" {
			h.rooms.Leave(roomPublicLeaderboard(p.ContestID), s)
		}

	default:
		s.sendError(CodeInvalidEvent, "unknown event "+in.Event)
	}
}

func (h *Handler) handleJoin(ctx context.Context, s *Session, data json.RawMessage) {
	if s.UserID == "" {
		s.sendError(CodeUnauthenticated, "join requires the authenticated channel")
		return
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ContestID == "" {
		s.sendError(CodeInvalidEvent, "join_contest needs contestId")
		return
	}

	view, err := h.orch.Join(ctx, p.ContestID, s.UserID)
	if err != nil {
		s.sendError(codeFor(err), err.Error())
		return
	}
	if err := h.ensureContestFeed(p.ContestID); err != nil {
		s.sendError(codeFor(err), err.Error())
		return
	}

	s.contestID = p.ContestID
	h.rooms.Join(roomParticipants(p.ContestID), s)
	if s.Role == auth.RoleAdmin {
		h.rooms.Join(roomAdmin(p.ContestID), s)
	}
	h.sendView(s, view)
}

func (h *Handler) handleSubmit(ctx context.Context, s *Session, data json.RawMessage) {
	if s.UserID == "" {
		s.sendError(CodeUnauthenticated, "submit requires the authenticated channel")
		return
	}
	if s.contestID == "" {
		s.sendError(CodeInvalidEvent, "join_contest first")
		return
	}
	var p submitPayload
	if err := json.Unmarshal(data, &p); err != nil || p.QuestionID == "" {
		s.sendError(CodeInvalidEvent, "submit_answer needs questionId")
		return
	}

	// The submission_result frame arrives through the contest feed; only
	// failures are answered directly.
	_, err := h.pipe.Submit(ctx, &judge.SubmitRequest{
		UserID:           s.UserID,
		ContestID:        s.contestID,
		QuestionID:       p.QuestionID,
		SelectedOptionID: p.SelectedOptionID,
		Code:             p.Code,
		Language:         p.Language,
	})
	if err != nil {
		s.sendError(codeFor(err), err.Error())
	}
}

func (h *Handler) handleResync(ctx context.Context, s *Session, data json.RawMessage) {
	if s.UserID == "" {
		s.sendError(CodeUnauthenticated, "resync requires the authenticated channel")
		return
	}
	var p contestRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ContestID == "" {
		s.sendError(CodeInvalidEvent, "resync needs contestId")
		return
	}

	view, err := h.orch.CurrentView(ctx, p.ContestID, s.UserID)
	if err != nil {
		s.sendError(codeFor(err), err.Error())
		return
	}
	// Rejoin rooms: resync usually follows a reconnect.
	if err := h.ensureContestFeed(p.ContestID); err == nil {
		s.contestID = p.ContestID
		h.rooms.Join(roomParticipants(p.ContestID), s)
		if s.Role == auth.RoleAdmin {
			h.rooms.Join(roomAdmin(p.ContestID), s)
		}
	}
	h.sendView(s, view)
}

// sendView turns an authoritative view into the frames a fresh join would
// see: the current question, a fresh timer, and the standings. Frames use
// the same envelope as the live feed, carrying the view's seq so clients
// can discard feed deliveries the view already reflects.
func (h *Handler) sendView(s *Session, view *contest.View) {
	now := time.Now()
	frame := func(t contest.EventType, data interface{}) Outbound {
		return Outbound{Event: string(t), Data: contest.Event{
			Type:      t,
			ContestID: view.ContestID,
			UserID:    s.UserID,
			Seq:       view.Seq,
			Timestamp: now,
			Data:      data,
		}, Timestamp: now}
	}

	if view.Question != nil {
		s.Send(frame(contest.EventQuestionBroadcast, view.Question), true)
		s.Send(frame(contest.EventTimerUpdate, &contest.TimerPayload{
			QuestionID:      view.Question.QuestionID,
			TimeRemainingMs: view.TimeRemainingMs,
		}), false)
	}
	s.Send(frame(contest.EventLeaderboardUpdate, &leaderboard.Update{
		ContestID: view.ContestID,
		Top:       view.Leaderboard,
		Timestamp: now,
	}), false)
	if view.Finished || view.Status == store.ContestCompleted {
		s.Send(frame(contest.EventContestEnd, &contest.EndPayload{
			ContestID:  view.ContestID,
			FinalScore: view.Score,
			FinalRank:  view.Rank,
		}), true)
	}
}

func (h *Handler) handleSubscribeContests(ctx context.Context, s *Session) {
	h.rooms.Join(roomPublicContests, s)
	contests, err := h.store.ListContests(ctx, store.ContestUpcoming, store.ContestActive)
	if err != nil {
		s.sendError(CodeServerError, "contest listing unavailable")
		return
	}
	s.Send(Outbound{Event: evContestsUpdate, Data: contests, Timestamp: time.Now()}, false)
}

func (h *Handler) handleSubscribeLeaderboard(ctx context.Context, s *Session, data json.RawMessage) {
	var p contestRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ContestID == "" {
		s.sendError(CodeInvalidEvent, "subscribe_leaderboard needs contestId")
		return
	}
	h.rooms.Join(roomPublicLeaderboard(p.ContestID), s)

	// Completed contests answer from the durable snapshot; live ones from
	// the engine.
	if rows, err := h.store.GetSnapshot(ctx, p.ContestID); err == nil && len(rows) > 0 {
		s.Send(Outbound{Event: string(contest.EventLeaderboardUpdate), Data: rows, Timestamp: time.Now()}, false)
		return
	}
	top, err := h.engine.TopK(ctx, p.ContestID, 10)
	if err != nil {
		s.sendError(CodeServerError, "leaderboard unavailable")
		return
	}
	s.Send(Outbound{Event: string(contest.EventLeaderboardUpdate), Data: &leaderboard.Update{
		ContestID: p.ContestID,
		Top:       top,
		Timestamp: time.Now(),
	}, Timestamp: time.Now()}, false)
}

// ensureContestFeed subscribes once per contest to the loop's event stream
// and pumps it into rooms until the stream ends.
func (h *Handler) ensureContestFeed(contestID string) error {
	h.mu.Lock()
	if _, ok := h.subscribed[contestID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ch := make(chan contest.Event, 256)
	unsub, err := h.orch.Subscribe(contestID, ch)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.subscribed[contestID]; ok {
		// Lost the race; keep the existing feed.
		h.mu.Unlock()
		unsub()
		return nil
	}
	h.subscribed[contestID] = unsub
	h.mu.Unlock()

	go h.pumpContest(contestID, ch)
	return nil
}

// pumpContest fans loop events into rooms. Targeted events go only to the
// recipient's sessions; aggregate copies go to admins and, where public,
// to the public rooms.
func (h *Handler) pumpContest(contestID string, ch <-chan contest.Event) {
	for ev := range ch {
		msg := Outbound{Event: string(ev.Type), Data: ev, Timestamp: ev.Timestamp}
		critical := criticalEvent(string(ev.Type))

		if ev.UserID != "" {
			h.rooms.BroadcastUser(roomParticipants(contestID), ev.UserID, msg, critical)
			continue
		}

		h.rooms.Broadcast(roomAdmin(contestID), msg, critical)
		switch ev.Type {
		case contest.EventLeaderboardUpdate:
			h.rooms.Broadcast(roomPublicLeaderboard(contestID), msg, false)
		case contest.EventContestStart, contest.EventContestEnd:
			h.broadcastContestListing(contestID)
		}

		if ev.Type == contest.EventContestEnd {
			h.dropContestFeed(contestID)
			return
		}
	}
	h.dropContestFeed(contestID)
}

func (h *Handler) dropContestFeed(contestID string) {
	h.mu.Lock()
	unsub := h.subscribed[contestID]
	delete(h.subscribed, contestID)
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ContestsChanged pushes a fresh public contest listing. Called by the
// admin API on publish/cancel, where no contest feed may exist yet.
func (h *Handler) ContestsChanged(contestID string) {
	h.broadcastContestListing(contestID)
}

// broadcastContestListing pushes a fresh public contest listing after a
// lifecycle transition.
func (h *Handler) broadcastContestListing(contestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	contests, err := h.store.ListContests(ctx, store.ContestUpcoming, store.ContestActive)
	if err != nil {
		log.Printf("realtime: contest listing after %s transition: %v", contestID, err)
		return
	}
	h.rooms.Broadcast(roomPublicContests, Outbound{
		Event:     evContestsUpdate,
		Data:      contests,
		Timestamp: time.Now(),
	}, false)
}
