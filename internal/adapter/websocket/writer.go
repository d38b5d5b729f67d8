package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	sendBufferSize = 16
	maxCloseReason = 123
)

var errWriterClosed = errors.New("connection closed")

// connWriter owns all data writes to one socket. It is the registry's sink
// for the connection: Send never blocks, a full buffer is reported as a slow
// consumer.
type connWriter struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newConnWriter(conn *websocket.Conn, clock clockwork.Clock) *connWriter {
	w := &connWriter{
		conn:  conn,
		clock: clock,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
	w.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		w.extendReadDeadline()
		return nil
	})
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *connWriter) Send(data []byte) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return errWriterClosed
	default:
		return domain.ErrSlowConsumer
	}
}

func (w *connWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.send:
			start := w.clock.Now()
			w.extendWriteDeadline()
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = w.conn.Close()
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(w.clock.Since(start).Seconds())
		case <-ticker.Chan():
			w.extendWriteDeadline()
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				_ = w.conn.Close()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the writer, sends a going-away close frame carrying reason and
// closes the socket. Safe to call more than once and from any goroutine.
func (w *connWriter) Close(reason string) {
	w.stopOnce.Do(func() {
		close(w.done)
		// The close frame must not race a data write.
		w.wg.Wait()

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, w.clock.Now().Add(writeDeadline))
		_ = w.conn.Close()
	})
}

func (w *connWriter) extendWriteDeadline() {
	_ = w.conn.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

// extendReadDeadline is called from the reader goroutine only: on pong and on
// every inbound frame.
func (w *connWriter) extendReadDeadline() {
	_ = w.conn.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}
