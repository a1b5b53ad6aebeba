package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

//liveMessage is pushed to viewers: one per processed frame, then a final one with the summary
type liveMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

//streamSession pushes per-frame updates of e to a websocket viewer until the session ends or the viewer leaves
func streamSession(ctx *gin.Context, e *sessionEntry) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Warnf("api/live: websocket upgrade error, got '%v'", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := e.sess.Subscribe()
	defer unsubscribe()

	//viewers only send control frames, reading is needed to notice them leave
	left := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(left)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithField("session", e.id).Debugf("api/live: viewer disconnected, got '%v'", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	log.WithField("session", e.id).Info("api/live: viewer connected")
	for {
		select {
		case u, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteJSON(liveMessage{Type: "summary", Payload: e.view()})
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			if err := conn.WriteJSON(liveMessage{Type: "frame", Payload: u}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-left:
			return
		}
	}
}
