package napcat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameSize caps inbound gateway frames. Large forward payloads with
// embedded base64 images routinely reach tens of megabytes.
const maxFrameSize = 1 << 26

// Server accepts the bot gateway's WebSocket connection on /ws and splits
// its frames: pushes carrying a post_type go to the event queue, everything
// else is an action response routed into the pool.
//
// One gateway connection is live at a time. A newer connection replaces the
// old one, which keeps reconnecting gateways from wedging the adapter.
type Server struct {
	host  string
	port  int
	token string

	upgrader websocket.Upgrader
	pool     *ResponsePool
	events   *eventQueue

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu    sync.Mutex
	httpServer *http.Server
}

// NewServer creates a gateway server. Events from the connected gateway are
// delivered through NextEvent; responses on the pool.
func NewServer(host string, port int, token string, pool *ResponsePool) *Server {
	s := &Server{
		host:   host,
		port:   port,
		token:  token,
		pool:   pool,
		events: newEventQueue(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The gateway is not a browser; origin checks do not apply.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// NextEvent blocks until a gateway event is available or ctx is done.
func (s *Server) NextEvent(ctx context.Context) (*Event, bool) {
	return s.events.next(ctx)
}

// Connected reports whether a gateway connection is live.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Start listens for gateway connections until ctx is canceled. It blocks;
// a bind failure (typically the port already in use) is returned.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Stop closes the listener and the live gateway connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authorized validates the Bearer token when one is configured. The gateway
// may present the token either in the Authorization header or as the
// access_token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+s.token {
		return true
	}
	return r.URL.Query().Get("access_token") == s.token
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		slog.Warn("gateway connection rejected, bad token", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.mu.Lock()
	if old := s.conn; old != nil {
		slog.Warn("replacing existing gateway connection", "remote", r.RemoteAddr)
		old.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	slog.Info("gateway connected", "remote", r.RemoteAddr)
	s.readLoop(conn)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
	slog.Info("gateway disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("gateway read error", "error", err)
			}
			return
		}
		s.route(data)
	}
}

// route classifies one frame. Responses have no post_type; an unexpected
// echo means the waiter already timed out.
func (s *Server) route(data []byte) {
	var probe struct {
		PostType string `json:"post_type"`
		Echo     string `json:"echo"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Warn("dropping malformed gateway frame", "error", err)
		return
	}

	if probe.PostType == "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("dropping malformed gateway response", "error", err)
			return
		}
		if !s.pool.Deliver(&resp) {
			slog.Debug("late gateway response dropped", "echo", resp.Echo)
		}
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping malformed gateway event", "post_type", probe.PostType, "error", err)
		return
	}
	s.events.push(&ev)
}

// eventQueue is the unbounded FIFO between the read loop and the event
// router. The gateway connection is the throughput bottleneck; buffering a
// burst beats dropping chat traffic.
type eventQueue struct {
	mu    sync.Mutex
	items []*Event
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev *Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) next(ctx context.Context) (*Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

// Send marshals and writes one frame to the gateway. Writes are serialized;
// gorilla connections do not tolerate concurrent writers.
func (s *Server) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal gateway frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write gateway frame: %w", err)
	}
	return nil
}
