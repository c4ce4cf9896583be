package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var errSessionClosed = errors.New("session closed")

// conn is the subset of *gorilla.Conn a session uses.
type conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// wsSession owns one socket. Writes go through the send buffer and a single
// write pump so the connection is never written concurrently.
type wsSession struct {
	id        string
	userID    string
	conn      conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(userID string, c conn) *wsSession {
	return &wsSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   c,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send queues payload for the write pump. It fails if the buffer stays full
// until ctx expires or the session closes.
func (s *wsSession) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump keeps the read deadline fresh and answers client pings. It
// returns when the peer goes away.
func (s *wsSession) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if isPing(msg) {
			select {
			case s.send <- pongFrame:
			default:
			}
		}
	}
}
