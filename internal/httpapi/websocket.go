package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/wangenius/shipmyagent/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans each StepEvent it is handed out to every connected operator
// dashboard with a single global feed instead of per-client event
// subscriptions.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[string]*wsClient)}
}

// broadcast is an agentturn.OnStep: handleExecute hands it to Runtime.RunTurn
// so every step of an /api/execute turn reaches connected dashboards live.
func (h *hub) broadcast(ev protocol.StepEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(ev)
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

// wsClient wraps one websocket connection with a buffered outbound queue, so
// a slow dashboard can't block the turn that is broadcasting events.
type wsClient struct {
	id   string
	conn *websocket.Conn
	out  chan protocol.StepEvent
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{id: uuid.NewString(), conn: conn, out: make(chan protocol.StepEvent, wsSendBuffer)}
}

func (c *wsClient) send(ev protocol.StepEvent) {
	select {
	case c.out <- ev:
	default:
		slog.Warn("httpapi: dropping websocket event, client is slow", "client", c.id)
	}
}

// run pumps queued events to the connection until a read or write on it
// fails; inbound messages are read and discarded (the feed is
// one-directional) so that a client close is noticed.
func (c *wsClient) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi: websocket upgrade failed", "error", err)
		return
	}
	client := newWSClient(conn)
	s.hub.register(client)
	defer func() {
		s.hub.unregister(client)
		_ = conn.Close()
	}()
	client.run()
}
