package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxCommandBytes bounds one inbound websocket message.
	maxCommandBytes = 64 * 1024
	closeWait       = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func (t *wsTransport) Send(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = t.conn.Close()
	})
	return err
}

// WebSocketHandler upgrades the request and runs a session until either side
// closes it.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Printf("websocket upgrade failed: %v", err)
			return
		}
		conn.SetReadLimit(maxCommandBytes)

		sess := s.Open(&wsTransport{conn: conn, writeWait: s.cfg.WriteTimeout})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				s.Close(sess, ReasonClientClosed)
				break
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			s.HandleCommand(sess, data)
		}
		<-sess.Finished()
	})
}
