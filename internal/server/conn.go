package server

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// readTimeout is the per-read deadline on TCP sockets. A timeout only
	// gives the loop a chance to notice a closed socket; it never ends the
	// session by itself.
	readTimeout = 2 * time.Second

	// writeTimeout bounds a single outbound line.
	writeTimeout = 10 * time.Second

	// maxLineLength caps one inbound frame.
	maxLineLength = 64 * 1024

	// WebSocket keepalive, from the usual gorilla pump constants.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// lineStream is one bidirectional, line-oriented byte stream. ReadLine
// returns one frame without its terminator; WriteLine frames and flushes one
// outbound line. WriteLine must not be called concurrently (the registry
// serializes it).
type lineStream interface {
	ReadLine() ([]byte, error)
	WriteLine(data []byte) error
	Close() error
}

// tcpStream adapts a net.Conn into a lineStream.
type tcpStream struct {
	conn   net.Conn
	reader *bufio.Reader
	// pending holds a partial line whose read deadline expired; the next
	// ReadLine picks up where it left off.
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func newTCPStream(conn net.Conn) *tcpStream {
	return &tcpStream{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineLength),
	}
}

func (s *tcpStream) ReadLine() ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	chunk, err := s.reader.ReadBytes('\n')
	if len(chunk) > 0 {
		s.pending = append(s.pending, chunk...)
	}
	if err != nil {
		return nil, err
	}

	line := s.pending
	s.pending = nil
	// Strip the newline and an optional carriage return.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func (s *tcpStream) WriteLine(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := s.conn.Write(buf)
	return err
}

func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// wsStream adapts a WebSocket connection into a lineStream: one text frame
// per envelope, no newline framing. Liveness comes from ping/pong instead of
// short read deadlines, since a gorilla connection does not survive a read
// timeout.
type wsStream struct {
	conn *websocket.Conn
	stop chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(maxLineLength)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &wsStream{conn: conn, stop: make(chan struct{})}
	go s.pingLoop()
	return s
}

// pingLoop keeps the read deadline fed. WriteControl is safe to use
// concurrently with data writes.
func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *wsStream) ReadLine() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

func (s *wsStream) WriteLine(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// isTimeout reports whether err is a read-deadline expiry rather than a real
// failure.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
