package relay

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

// Options configures connection keep-alive and admission.
type Options struct {
	PongWait       time.Duration // read deadline, extended by every pong or frame
	WriteWait      time.Duration
	ReadLimit      int64
	AllowedOrigins []string // empty accepts any origin
}

// DefaultOptions returns the production keep-alive settings.
func DefaultOptions() Options {
	return Options{
		PongWait:  90 * time.Second,
		WriteWait: 10 * time.Second,
		ReadLimit: 5 << 20,
	}
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Server accepts signaling connections and relays their messages.
type Server struct {
	opts     Options
	hub      *Hub
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// NewServer creates a relay server. Zero option fields take the defaults.
func NewServer(opts Options) *Server {
	def := DefaultOptions()
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}

	metrics := NewMetrics()
	s := &Server{
		opts:    opts,
		hub:     NewHub(metrics),
		metrics: metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1 << 10,
		WriteBufferSize: 1 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the session table.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler routes /signaling, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/signaling", s.handleSignaling)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": s.hub.Sessions(),
		})
	})
	return mux
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Missing session_id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("[relay %s] upgrade failed: %v", sessionID, err)
		return
	}

	conn.SetReadLimit(s.opts.ReadLimit)
	s.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendDeadline(conn)
		return nil
	})

	c := newClient(sessionID, conn, s.opts.WriteWait)
	s.hub.join(c)

	done := make(chan struct{})
	go s.keepAlive(c, done)

	s.readLoop(c)

	close(done)
	s.hub.leave(c)
	conn.Close()
}

func (s *Server) extendDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
}

func (s *Server) keepAlive(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.hub.contains(c) {
				return
			}
			if err := c.ping(); err != nil {
				util.LogDebug("[relay %s] ping to %s failed (will retry next tick): %v", c.session, c.id[:8], err)
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogWarning("[relay %s] read error from %s: %v", c.session, c.id[:8], err)
			}
			return
		}
		s.extendDeadline(c.conn)

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.metrics.dropped("malformed")
			util.LogDebug("[relay %s] malformed frame from %s: %v", c.session, c.id[:8], err)
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			continue

		case protocol.FrameMessage:
			s.relay(c, frame.Payload)

		default:
			s.metrics.dropped("unknown_type")
			util.LogDebug("[relay %s] unknown frame type %q", c.session, frame.Type)
		}
	}
}

// relay validates one signal message and fans it out to the session.
func (s *Server) relay(c *client, payload json.RawMessage) {
	msg, err := protocol.DecodeSignal(payload)
	if err != nil {
		s.metrics.dropped("invalid")
		util.LogDebug("[relay %s] invalid signal from %s: %v", c.session, c.id[:8], err)
		return
	}

	if msg.SessionID != "" && msg.SessionID != c.session {
		s.metrics.dropped("session_mismatch")
		util.LogWarning("[relay %s] %s sent a message stamped for session %s", c.session, msg.From, msg.SessionID)
		return
	}
	msg.SessionID = c.session

	out, err := json.Marshal(msg)
	if err != nil {
		s.metrics.dropped("encode")
		return
	}

	n := s.hub.broadcast(c.session, out)
	s.metrics.relayed(string(msg.Kind), len(out), n)
	util.LogDebug("[relay %s] %s %s -> %s (%d recipients)", c.session, msg.Kind, msg.From, msg.To, n)
}
