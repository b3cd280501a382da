package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/gateway/relay/translate"
)

const closeWriteWait = time.Second

// Conn is the subset of *websocket.Conn a session needs for either leg.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// leg serializes writes to one websocket. gorilla allows a single concurrent
// writer; WriteControl and Close are safe alongside it.
type leg struct {
	name         translate.Leg
	conn         Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newLeg(name translate.Leg, conn Conn, cfg Config) *leg {
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	return &leg{name: name, conn: conn, writeTimeout: cfg.WriteTimeout}
}

func (l *leg) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", l.name, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Leg: l.name, Op: "write", Err: err}
	}
	return nil
}

// close sends a best-effort close frame and releases the connection. Safe to
// call more than once.
func (l *leg) close(code int, reason string) {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		_ = l.conn.Close()
	})
}

// readError classifies a read failure. A close frame from the peer, whatever
// its code, is a clean end of that leg. gorilla reports a dropped connection as
// 1006, which no peer sends on the wire, so that stays a transport failure.
func readError(name translate.Leg, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		return &EndOfStream{Leg: name, Reason: fmt.Sprintf("closed by peer (%d)", closeErr.Code)}
	}
	return &ConnectionError{Leg: name, Op: "read", Err: err}
}
