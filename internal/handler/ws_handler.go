package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/service"
	"github.com/dandantas/dcm/pkg/middleware"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsActionTimeout = 30 * time.Second
)

// Outgoing message types
const (
	MessageSnapshot = "snapshot"
	MessageLayout   = "layout"
	MessageScroll   = "scroll"
	MessageError    = "error"
)

// WSMessage is the envelope of every websocket message
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsOut struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsConn serializes writes to one websocket
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(typ string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(wsOut{Type: typ, Payload: payload}); err != nil {
		slog.Debug("Websocket write failed", "type", typ, "error", err)
	}
}

func (c *wsConn) sendError(err error) {
	c.send(MessageError, ErrorResponse{Error: "Bad Request", Message: err.Error()})
}

// wsScroller forwards scroll requests of a monitor to its client
type wsScroller struct {
	conn *wsConn
}

func (s wsScroller) ScrollToBottom() { s.conn.send(MessageScroll, "bottom") }
func (s wsScroller) ScrollToTop()    { s.conn.send(MessageScroll, "top") }

// WSHandler serves monitor and layout edit sessions over websockets
type WSHandler struct {
	upgrader websocket.Upgrader
	hub      *service.MonitorHub
	layouts  *service.LayoutService
}

// NewWSHandler creates a new websocket handler. Upgrades are accepted from
// the origins cors allows.
func NewWSHandler(hub *service.MonitorHub, layouts *service.LayoutService, cors middleware.CORSConfig) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return cors.AllowsOrigin(r.Header.Get("Origin"))
			},
		},
		hub:     hub,
		layouts: layouts,
	}
}

type recordPayload struct {
	RecordID string `json:"recordId"`
}

type autoScrollPayload struct {
	Enabled bool `json:"enabled"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

type batchPayload struct {
	Index int `json:"index"`
}

// Monitor handles GET /api/v1/jobs/{token}/monitor. The client receives a
// snapshot after every change and may send select_job, select_import,
// select_record, select_batch, auto_scroll, toggle_auto_scroll, set_token
// and abort.
func (h *WSHandler) Monitor(w http.ResponseWriter, r *http.Request, token string) {
	if !validToken(w, token) {
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "token", token, "error", err)
		return
	}
	conn := &wsConn{conn: ws}

	session := h.hub.Open(token, wsScroller{conn: conn})
	ctrl := session.Controller
	ctrl.OnChange(func() { conn.send(MessageSnapshot, ctrl.Snapshot()) })
	conn.send(MessageSnapshot, ctrl.Snapshot())

	go h.monitorLoop(session, conn)
}

func (h *WSHandler) monitorLoop(session *service.MonitorSession, conn *wsConn) {
	defer func() {
		session.Controller.OnChange(nil)
		session.Close()
		conn.conn.Close()
	}()

	ctrl := session.Controller
	for {
		var msg WSMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "select_job":
			ctrl.SelectJob()
		case "select_import":
			ctrl.SelectImport()
		case "select_record":
			var p recordPayload
			if err := decodePayload(msg, &p); err != nil {
				conn.sendError(err)
				continue
			}
			ctrl.SelectRecord(p.RecordID)
		case "select_batch":
			var p batchPayload
			if err := decodePayload(msg, &p); err != nil {
				conn.sendError(err)
				continue
			}
			ctrl.SelectBatch(p.Index)
		case "auto_scroll":
			var p autoScrollPayload
			if err := decodePayload(msg, &p); err != nil {
				conn.sendError(err)
				continue
			}
			ctrl.SetAutoScroll(p.Enabled)
		case "toggle_auto_scroll":
			ctrl.ToggleAutoScroll()
		case "set_token":
			var p tokenPayload
			if err := decodePayload(msg, &p); err != nil {
				conn.sendError(err)
				continue
			}
			ctrl.SetToken(p.Token)
		case "abort":
			ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
			ctrl.Abort(ctx)
			cancel()
		default:
			conn.sendError(fmt.Errorf("unknown message type '%s'", msg.Type))
		}
	}
}

type pointerPayload struct {
	Key string  `json:"key"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

type resizePayload struct {
	Width float64 `json:"width"`
}

type offsetPayload struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

type editModePayload struct {
	On bool `json:"on"`
}

type movePayload struct {
	Key string `json:"key"`
	X   int    `json:"x"`
	Y   int    `json:"y"`
}

type keyPayload struct {
	Key string `json:"key"`
}

// EditLayout handles GET /api/v1/users/{user}/widgets/edit. The client
// sends resize, offset, edit_mode, pointer_down, pointer_move, pointer_up,
// add, delete and move messages and receives the rendered layout after each
// of them and after every commit. Closing the session leaves edit mode,
// which persists the layout.
func (h *WSHandler) EditLayout(w http.ResponseWriter, r *http.Request, userID string) {
	ctrl, release, err := h.layouts.Controller(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		slog.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	conn := &wsConn{conn: ws}

	unwatch := h.layouts.Watch(userID, func(model.Layout) {
		conn.send(MessageLayout, ctrl.Snapshot())
	})
	conn.send(MessageLayout, ctrl.Snapshot())

	slog.Info("Layout edit session opened", "user_id", userID)
	go h.editLoop(userID, ctrl, conn, func() {
		unwatch()
		release()
	})
}

func (h *WSHandler) editLoop(userID string, ctrl *layout.Controller, conn *wsConn, done func()) {
	defer func() {
		conn.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
		defer cancel()
		if err := ctrl.SetEditMode(ctx, false); err != nil {
			slog.Error("Failed to persist layout on session close", "user_id", userID, "error", err)
		}
		done()
		slog.Info("Layout edit session closed", "user_id", userID)
	}()

	for {
		var msg WSMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := h.applyEdit(ctrl, msg); err != nil {
			conn.sendError(err)
			continue
		}
		conn.send(MessageLayout, ctrl.Snapshot())
	}
}

func (h *WSHandler) applyEdit(ctrl *layout.Controller, msg WSMessage) error {
	switch msg.Type {
	case "resize":
		var p resizePayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		ctrl.Resize(p.Width)
	case "offset":
		var p offsetPayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		ctrl.SetContainerOffset(p.Left, p.Top)
	case "edit_mode":
		var p editModePayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsActionTimeout)
		defer cancel()
		return ctrl.SetEditMode(ctx, p.On)
	case "pointer_down":
		var p pointerPayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		ctrl.PointerDown(p.Key, p.X, p.Y)
	case "pointer_move":
		var p pointerPayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		ctrl.PointerMove(p.X, p.Y)
	case "pointer_up":
		ctrl.PointerUp()
	case "add":
		var p model.WidgetPlacement
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		_, err := ctrl.AddWidget(p)
		return err
	case "delete":
		var p keyPayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		return ctrl.DeleteWidget(p.Key)
	case "move":
		var p movePayload
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		return ctrl.Move(p.Key, layout.Cell{X: p.X, Y: p.Y})
	default:
		return fmt.Errorf("unknown message type '%s'", msg.Type)
	}
	return nil
}

func decodePayload(msg WSMessage, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("message '%s' requires a payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for '%s': %w", msg.Type, err)
	}
	return nil
}
