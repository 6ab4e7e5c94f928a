package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/apperrors"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 1 << 20
	wsPendingTurns   = 1
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWSOrigin,
	}
}

// checkWSOrigin accepts clients without an Origin header, same-host pages and
// configured origins.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// wsConn serializes writes; the reader rejects frames while the turn loop
// is writing events.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(ev agent.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteJSON(ev); err != nil {
		logger.DebugCF("api", "WebSocket write failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// turnWebSocket runs one streamed turn per client text message and relays
// every event as a JSON frame. Turns on one connection run one at a time;
// at most one request waits behind the running turn and further ones get an
// error event. The reader never blocks, so closing the connection cancels
// the running turn.
func (s *Server) turnWebSocket(c *gin.Context) {
	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCF("api", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming := make(chan []byte, wsPendingTurns)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.DebugCF("api", "WebSocket closed", map[string]interface{}{"error": err.Error()})
				}
				return
			}
			select {
			case incoming <- data:
			default:
				ws.write(wsErrorEvent(apperrors.NewValidationError("a turn is already in progress", nil)))
			}
		}
	}()

	for data := range incoming {
		if ctx.Err() != nil || !s.serveWSTurn(ctx, ws, data) {
			return
		}
	}
}

// serveWSTurn reports false once the connection can no longer be written.
func (s *Server) serveWSTurn(ctx context.Context, ws *wsConn, data []byte) bool {
	var body TurnRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return ws.write(wsErrorEvent(apperrors.NewValidationError("invalid request body", err)))
	}
	req, err := s.toAgentRequest(ctx, body)
	if err != nil {
		return ws.write(wsErrorEvent(err))
	}

	// Cancelling turnCtx releases the producer when a write fails mid-turn.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for ev := range s.runner.RunTurnStreaming(turnCtx, req) {
		if !ws.write(ev) {
			return false
		}
	}
	return true
}

func wsErrorEvent(err error) agent.Event {
	ev := agent.Event{Type: agent.EventError, Message: err.Error()}
	if t := apperrors.TypeOf(err); t != "" {
		ev.ErrorType = string(t)
	}
	return ev
}
