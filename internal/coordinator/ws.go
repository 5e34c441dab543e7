package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/proto"
	"github.com/petervdpas/tandem/internal/syncerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS serves /ws/{session}?peer=<id>&role=<role>&label=<label>. The
// host identity additionally needs its token in the HostTokenHeader.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session"]
	q := r.URL.Query()
	peerID := q.Get("peer")
	role := q.Get("role")
	if peerID == "" {
		http.Error(w, "peer required", http.StatusBadRequest)
		return
	}
	if role == proto.RoleObserver {
		release, err := s.observers.acquire(extractIP(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		defer release()
	} else if err := s.hub.Authorize(id, peerID, r.Header.Get(proto.HostTokenHeader)); err != nil {
		writeErr(w, err)
		return
	}

	sub, err := s.hub.Attach(id, peerID, role, q.Get("label"))
	if err != nil {
		writeErr(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Detach(id, sub)
		logger.Warn("coord: websocket upgrade failed", logger.Err(err))
		return
	}
	logger.Info("coord: member connected",
		logger.String("session", id),
		logger.String("peer", peerID),
		logger.String("role", sub.role))

	c := &wsConn{hub: s.hub, session: id, sub: sub, conn: conn}
	go c.writePump()
	c.readPump()
}

type wsConn struct {
	hub     *Hub
	session string
	sub     *subscriber
	conn    *websocket.Conn
}

// readPump handles client messages until the connection fails, then
// detaches, which closes the subscriber channel and ends writePump.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.Detach(c.session, c.sub)
		c.conn.Close()
		logger.Info("coord: member disconnected", logger.String("session", c.session), logger.String("peer", c.sub.peerID))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("coord: websocket read error", logger.String("peer", c.sub.peerID), logger.Err(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg proto.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyErr("", syncerr.FromCode("internal", "malformed message"))
			continue
		}
		switch msg.Type {
		case proto.TypePublish:
			c.handlePublish(msg)
		case proto.TypeResync:
			c.hub.Resync(c.session, c.sub)
		case proto.TypeLeave:
			_ = c.hub.Leave(c.session, c.sub.peerID)
			return
		default:
			c.replyErr(msg.ReqID, syncerr.FromCode("internal", "unknown message type "+msg.Type))
		}
	}
}

func (c *wsConn) handlePublish(msg proto.Message) {
	if msg.State == nil {
		c.replyErr(msg.ReqID, syncerr.FromCode("internal", "publish without state"))
		return
	}
	if c.sub.role == proto.RoleObserver {
		c.replyErr(msg.ReqID, syncerr.ErrNotHost)
		return
	}
	seq, err := c.hub.Publish(c.session, c.sub.peerID, *msg.State)
	if err != nil {
		c.replyErr(msg.ReqID, err)
		return
	}
	c.hub.reply(c.session, c.sub, func(*session) proto.Message {
		return proto.Message{Type: proto.TypeAck, Session: c.session, ReqID: msg.ReqID, Seq: seq, TS: proto.NowMillis()}
	})
}

func (c *wsConn) replyErr(reqID string, err error) {
	c.hub.reply(c.session, c.sub, func(*session) proto.Message {
		return proto.Message{
			Type:    proto.TypeError,
			Session: c.session,
			ReqID:   reqID,
			Code:    syncerr.Code(err),
			Error:   err.Error(),
			TS:      proto.NowMillis(),
		}
	})
}

// writePump sends one JSON message per frame and pings the client.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
