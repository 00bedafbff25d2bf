package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WSMessage is both the inbound and the outbound WebSocket frame.
//
// Inbound: {"type":"run","code":"..."} and {"type":"cancel"}.
// Outbound: {"type":"result","result":{...}} and {"type":"error","error":"..."}.
type WSMessage struct {
	Type   string           `json:"type"`
	Code   string           `json:"code,omitempty"`
	Marker string           `json:"marker,omitempty"`
	Result *MissionResponse `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(msg WSMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		slog.Debug("WebSocket write failed", "error", err)
	}
}

func (s *Server) websocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	// Cancelled before waiting, so a dropped client ends its mission.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read failed", "error", err)
			}
			return nil
		}

		switch msg.Type {
		case "run":
			if msg.Code == "" {
				ws.send(WSMessage{Type: "error", Error: "code is required"})
				continue
			}
			// Runs in the background so a cancel frame can still be read.
			wg.Add(1)
			go func(code string) {
				defer wg.Done()
				res, err := s.app.Run(ctx, code)
				if err != nil && res.MissionID == 0 {
					ws.send(WSMessage{Type: "error", Error: err.Error()})
					return
				}
				resp := newMissionResponse(res)
				ws.send(WSMessage{Type: "result", Result: &resp})
			}(msg.Code)
		case "cancel":
			s.app.Cancel(msg.Marker)
		default:
			ws.send(WSMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}
