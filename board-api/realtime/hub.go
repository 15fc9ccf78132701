package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

// Hub upgrades authenticated requests to websockets and routes room joins.
type Hub struct {
	rooms      *Rooms
	gate       *Gate
	log        *log.Logger
	sendBuffer int
}

func NewHub(rooms *Rooms, gate *Gate, logger *log.Logger, sendBuffer int) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{rooms: rooms, gate: gate, log: logger, sendBuffer: sendBuffer}
}

// Register wires the socket endpoint on the given Echo instance.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/ws", h.serve)
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *Hub) serve(c echo.Context) error {
	req := c.Request()
	token := c.QueryParam("token")
	if token == "" {
		token = req.Header.Get(echo.HeaderAuthorization)
	}
	ident, err := IdentityFromToken(token)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}

	conn, err := websocket.Accept(c.Response(), req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept failed")
		return nil
	}

	client := newClient(ident, h.sendBuffer)
	entry := h.log.WithFields(log.Fields{"client_id": client.ID, "user_id": ident.UserID})
	entry.Debug("socket connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.writeLoop(ctx, conn, client, entry)
	h.readLoop(ctx, conn, client, entry)
	cancel()

	boards := h.rooms.Drop(client)
	client.kick()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	entry.WithField("rooms", len(boards)).Debug("socket disconnected")
	return nil
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, entry *log.Entry) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg inbound
		if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
			entry.WithError(err).Debug("ignoring malformed frame")
			continue
		}
		boardID := boardIDFrom(msg.Data)
		switch msg.Event {
		case domain.BoardJoin:
			if h.gate.Authorize(ctx, client.User.UserID, boardID) {
				h.rooms.Join(boardID, client)
				entry.WithField("board_id", boardID).Debug("joined room")
			}
		case domain.BoardLeave:
			h.rooms.Leave(boardID, client)
			entry.WithField("board_id", boardID).Debug("left room")
		default:
			entry.WithField("event", msg.Event).Debug("ignoring unknown event")
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, entry *log.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			select {
			case <-ctx.Done():
			default:
				entry.Warn("closing slow client")
				_ = conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
			}
			return
		case data := <-client.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				entry.WithError(err).Debug("socket write failed")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// boardIDFrom accepts either a bare JSON string or {"boardId": "..."}.
func boardIDFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := sonic.ConfigStd.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		BoardID string `json:"boardId"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.BoardID)
	}
	return ""
}
