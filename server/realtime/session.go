package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"contest-arena/server/observability"
)

const (
	queueDepth    = 64
	pingInterval  = 20 * time.Second
	idleTimeout   = 60 * time.Second
	writeDeadline = 5 * time.Second
)

type outItem struct {
	msg      Outbound
	critical bool
}

// Session is one websocket connection. Reads are serialized in readLoop;
// the writeLoop is the only thing that touches the wire outbound. The
// queue is bounded: non-critical frames are shed first, and a critical
// frame that still cannot be queued closes the session with
// BACKPRESSURE_CLOSED.
type Session struct {
	ID      string
	UserID  string // empty on the public channel
	Role    string
	Channel string // "contest" or "public"

	conn *websocket.Conn

	mu        sync.Mutex
	queue     []outItem
	notify    chan struct{}
	closed    bool
	closeCode ErrorCode

	// contestID is set after a successful join_contest; inbound
	// submissions and resyncs are scoped to it.
	contestID string

	done chan struct{}
	once sync.Once
}

func newSession(id, userID, role, channel string, conn *websocket.Conn) *Session {
	return &Session{
		ID:      id,
		UserID:  userID,
		Role:    role,
		Channel: channel,
		conn:    conn,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Send queues a frame. Under back-pressure the oldest non-critical queued
// frame is evicted to make room; if none exists a non-critical frame is
// dropped, and a critical one closes the session.
func (s *Session) Send(msg Outbound, critical bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= queueDepth {
		evicted := false
		for i, it := range s.queue {
			if !it.critical {
				observability.DroppedEvents.WithLabelValues(it.msg.Event).Inc()
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !critical {
				observability.DroppedEvents.WithLabelValues(msg.Event).Inc()
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.Close(CodeBackpressureClosed, "backpressure")
			return
		}
	}
	s.queue = append(s.queue, outItem{msg: msg, critical: critical})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close marks the session closed and wakes the write loop to finish up.
// Idempotent.
func (s *Session) Close(code ErrorCode, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCode = code
		s.mu.Unlock()
		close(s.done)
		observability.SessionCloses.WithLabelValues(reason).Inc()
	})
}

// Done is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} { return s.done }

// writeLoop drains the queue to the wire and keeps the heartbeat. It owns
// conn writes exclusively.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.notify:
			for _, it := range s.drain() {
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := s.conn.WriteJSON(it.msg); err != nil {
					s.Close(CodeServerError, "error")
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(CodeServerError, "error")
				return
			}
		case <-s.done:
			// Flush what fits, tell the client why, then hang up.
			for _, it := range s.drain() {
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if s.conn.WriteJSON(it.msg) != nil {
					return
				}
			}
			if s.closeCode != "" && s.closeCode != CodeServerError {
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				_ = s.conn.WriteJSON(Outbound{
					Event:     evError,
					Data:      errorPayload{Code: s.closeCode},
					Timestamp: time.Now(),
				})
			}
			return
		}
	}
}

func (s *Session) drain() []outItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// readLoop is the session's single reader. Any inbound traffic refreshes
// the idle deadline; silence past idleTimeout closes the session.
func (s *Session) readLoop(dispatch func(*Session, *Inbound)) {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		var in Inbound
		if err := s.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s: read: %v", s.ID, err)
				s.Close(CodeServerError, "error")
			} else {
				s.Close("", "client")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		dispatch(s, &in)
	}
}

func (s *Session) sendError(code ErrorCode, message string) {
	s.Send(Outbound{
		Event:     evError,
		Data:      errorPayload{Code: code, Message: message},
		Timestamp: time.Now(),
	}, true)
}
