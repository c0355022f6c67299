package connection

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla *websocket.Conn to the Transport
// interface, always reading/writing BinaryMessage frames as the wire
// protocol requires.
type wsTransport struct {
	conn       *websocket.Conn
	writeWait  time.Duration
	pongWait   time.Duration
}

// NewWebsocketTransport wraps conn for use by a Connection. pongWait
// configures the read deadline refreshed on each pong; writeWait bounds
// how long a single WriteMessage call may block.
func NewWebsocketTransport(conn *websocket.Conn, pongWait, writeWait time.Duration) Transport {
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	t := &wsTransport{conn: conn, writeWait: writeWait, pongWait: pongWait}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return t
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
