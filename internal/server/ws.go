package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// hub fans status snapshots out to every connected socket. Snapshots are
// coalesced, so falling behind only ever skips intermediate ones.
type hub struct {
	current func() data.SessionState
	clients map[*socketClient]bool

	register   chan *socketClient
	unregister chan *socketClient

	mu      sync.Mutex
	pending *data.SessionState
	notify  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newHub(current func() data.SessionState) *hub {
	return &hub{
		current:    current,
		clients:    make(map[*socketClient]bool),
		register:   make(chan *socketClient),
		unregister: make(chan *socketClient),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			// current snapshot first, ordered before any later broadcast
			if message, ok := encodeState(h.current()); ok {
				client.offer(message)
			}
			h.clients[client] = true
		case client := <-h.unregister:
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
		case <-h.notify:
			h.mu.Lock()
			state := h.pending
			h.pending = nil
			h.mu.Unlock()
			if state == nil {
				continue
			}
			message, ok := encodeState(*state)
			if !ok {
				continue
			}
			for client := range h.clients {
				client.offer(message)
			}
		}
	}
}

// publish is the tester subscription. It never blocks the run.
func (h *hub) publish(state data.SessionState) {
	h.mu.Lock()
	h.pending = &state
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func encodeState(state data.SessionState) ([]byte, bool) {
	message, err := json.Marshal(state)
	if err != nil {
		logger.Errorf("failed to encode status: %v", err)
		return nil, false
	}
	return message, true
}

func (h *hub) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

type socketClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// offer queues message, discarding the oldest queued snapshot when the
// client is behind. Only the hub sends, so the second attempt always fits.
func (sc *socketClient) offer(message []byte) {
	select {
	case sc.send <- message:
		return
	default:
	}
	select {
	case <-sc.send:
	default:
	}
	select {
	case sc.send <- message:
	default:
	}
}

// reader only watches for the peer going away; clients never send data.
func (sc *socketClient) reader() {
	defer func() {
		select {
		case sc.hub.unregister <- sc:
		case <-sc.hub.done:
		}
		sc.conn.Close()
	}()

	sc.conn.SetReadLimit(512)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debugf("websocket closed: %v", err)
			}
			return
		}
	}
}

func (sc *socketClient) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debugf("websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveWs(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debugf("websocket upgrade failed: %v", err)
		return
	}

	client := &socketClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 16),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.reader()
	go client.writer()
}
