package session

import (
	"errors"
	"io"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for any traffic from the peer
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// readChunkSize is how much of a binary message is handed on as one fragment
	readChunkSize = 64 * 1024
)

// Conn is the WebSocket connection a session is served over. Both the
// Fiber websocket.Conn and gorilla's *websocket.Conn satisfy it.
type Conn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Serve runs the session over conn until the connection ends. It blocks,
// and it does not return while the write pump may still touch conn.
func (s *Session) Serve(conn Conn) {
	s.log.Info("websocket session started")

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(conn)
	}()

	s.readPump(conn)
	<-written
}

// readPump maps incoming messages onto the session state machine.
// Text messages are envelopes; binary messages are read in chunks that
// become First/Continue/Last fragments.
func (s *Session) readPump(conn Conn) {
	defer func() {
		s.Close()
		conn.Close()
	}()

	conn.SetReadLimit(int64(s.cfg.MaxFrameBytes))
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait)); err != nil {
			s.log.Debug("pong failed", "error", err)
		}
		return nil
	})

	buf := make([]byte, readChunkSize)
	for {
		msgType, r, err := conn.NextReader()
		if err != nil {
			s.log.Info("client closed the session", "reason", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				s.log.Warn("read failed", "error", err)
				return
			}
			_ = s.HandleText(data)

		case websocket.BinaryMessage:
			if err := s.readBinary(r, buf); err != nil {
				s.log.Warn("read failed", "error", err)
				return
			}
		}
	}
}

// readBinary feeds one binary message to the state machine. A message that
// arrives in a single chunk is handled whole.
func (s *Session) readBinary(r io.Reader, buf []byte) error {
	var pending []byte
	started := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if pending != nil {
				kind := FragmentContinue
				if !started {
					kind = FragmentFirst
					started = true
				}
				_ = s.HandleFragment(kind, pending)
			}
			pending = append([]byte(nil), buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			if started {
				_ = s.HandleFragment(FragmentLast, pending)
			} else {
				_ = s.HandleBinary(pending)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// writePump writes queued frames and keepalive pings.
// Only this goroutine writes data messages to the connection.
func (s *Session) writePump(conn Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.alive.Store(false)
		conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("write failed", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
