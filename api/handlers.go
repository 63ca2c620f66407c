package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/protocol"
)

// Authenticator extracts participant identifiers from join tokens.
type Authenticator interface {
	UserIDFromToken(string) (string, error)
	UserIDFromAuthHeader(string) (string, error)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register wires up the realtime endpoints on the provided Echo instance.
func Register(e *echo.Echo, hub *Hub, auth Authenticator, logger *log.Logger) {
	e.GET("/ws", serveWS(hub, auth, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// serveWS upgrades the connection and runs the read loop for one session.
// The first frame must be a joinRoom whose userId matches the token subject.
func serveWS(hub *Hub, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var userID string
		var err error
		if token := c.QueryParam("token"); token != "" {
			userID, err = auth.UserIDFromToken(token)
		} else {
			userID, err = auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		}
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer ws.Close()

		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		env, err := readEnvelope(ws)
		if err != nil {
			return nil
		}
		if env.Event != protocol.EventJoinRoom {
			logger.Warnf("expected joinRoom, got %s", env.Event)
			return nil
		}
		var join protocol.JoinPayload
		if err := protocol.DecodePayload(env, &join); err != nil {
			logger.Warnf("joinRoom: %v", err)
			return nil
		}
		if join.UserID != userID {
			logger.WithFields(log.Fields{"token_sub": userID, "join_user": join.UserID}).
				Warn("join user does not match token subject")
			return nil
		}

		member := domain.Member{
			UserID:   userID,
			Nickname: c.QueryParam("nickname"),
			Job:      c.QueryParam("job"),
			Profile:  c.QueryParam("profile"),
		}
		cl, err := hub.Join(c.Request().Context(), join.RoomID, member)
		if err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
				time.Now().Add(writeWait))
			return nil
		}
		defer hub.Leave(join.RoomID, cl)

		done := make(chan struct{})
		go writePump(ws, cl, done, logger)
		defer close(done)

		for {
			env, err := readEnvelope(ws)
			if err != nil {
				return nil
			}
			ctx := c.Request().Context()
			switch env.Event {
			case protocol.EventBoardUpdate:
				var p protocol.BoardUpdatePayload
				if err := protocol.DecodePayload(env, &p); err != nil {
					logger.Warnf("boardUpdate: %v", err)
					continue
				}
				hub.HandleBoardUpdate(ctx, join.RoomID, cl, env.Seq, p)
			case protocol.EventPreviousBoardData:
				// Resync pull after a transport gap.
				hub.SendBoard(join.RoomID, cl)
			case protocol.EventAddCard:
				var p protocol.AddCardPayload
				if err := protocol.DecodePayload(env, &p); err != nil {
					logger.Warnf("addCard: %v", err)
					continue
				}
				hub.HandleAddCard(ctx, join.RoomID, cl, env.Seq, p)
			default:
				logger.Warnf("unknown event %s - ignoring it", env.Event)
			}
		}
	}
}

func readEnvelope(ws *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// writePump drains the client's send queue onto the socket and keeps the
// connection alive with pings.
func writePump(ws *websocket.Conn, cl *client, done <-chan struct{}, logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data, ok := <-cl.send:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("write: %v", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
