// This file implements the websocket endpoint that remote workers are driven
// through: one connection carries one job.
package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/sharescan/internal/api/middleware"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/worker"
)

const (
	// WebSocket configuration constants.
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer
	startWait      = 30 * time.Second // Time allowed for the start frame to arrive
	maxMessageSize = 64 * 1024        // Maximum control frame size allowed from peer
)

// StreamHandler serves /scans/stream. The client sends a start frame, gets
// accepted or rejected, then receives the job's progress messages and may
// send a cancel frame at any time. Dropping the connection cancels the job.
type StreamHandler struct {
	worker    worker.Worker
	jobs      *JobStore
	logger    *logging.Logger
	upgrader  websocket.Upgrader
	keepalive worker.Keepalive
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(w worker.Worker, jobs *JobStore, logger *logging.Logger, allowedOrigins []string) *StreamHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &StreamHandler{
		worker:    w,
		jobs:      jobs,
		logger:    logger.WithFields("handler", "stream"),
		keepalive: worker.DefaultKeepalive(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin.
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// SetKeepalive changes the ping period and the silence allowed from
// clients.
func (h *StreamHandler) SetKeepalive(k worker.Keepalive) {
	h.keepalive = k.OrDefault()
}

// streamConn serialises writes; gorilla connections allow one writer at a
// time.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// pingLoop pings the client every period until stop is closed or a ping
// cannot be written.
func (c *streamConn) pingLoop(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (c *streamConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// ServeHTTP runs one job over the upgraded connection.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "request_id", requestID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	sc := &streamConn{conn: conn}

	req, err := h.readStart(conn)
	if err != nil {
		_ = sc.write(rejection(err))
		sc.close(websocket.CloseNormalClosure, "rejected")
		return
	}

	handle, err := h.worker.Start(context.Background(), *req)
	if err != nil {
		h.logger.Info("Stream job rejected", "request_id", requestID, "error", err)
		_ = sc.write(rejection(err))
		sc.close(websocket.CloseNormalClosure, "rejected")
		return
	}
	log := h.logger.WithJobID(handle.JobID())

	if err := sc.write(worker.ControlFrame{Type: worker.FrameAccepted, JobID: handle.JobID()}); err != nil {
		handle.Cancel()
		_ = conn.Close()
		return
	}
	log.Info("Stream job accepted", "request_id", requestID, "range", req.Range, "remote_addr", r.RemoteAddr)

	ka := h.keepalive
	_ = conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ka.PongWait))
	})
	stopPing := make(chan struct{})
	go sc.pingLoop(ka.PingPeriod, stopPing)

	tracked := h.jobs.Track(*req, handle)
	go h.readControl(conn, handle, ka.PongWait, log)

	h.jobs.Consume(tracked, func(m scanning.ProgressMessage) error {
		return sc.write(m)
	})
	close(stopPing)
	sc.close(websocket.CloseNormalClosure, "done")
	log.Debug("Stream closed")
}

func (h *StreamHandler) readStart(conn *websocket.Conn) (*scanning.ScanRequest, error) {
	_ = conn.SetReadDeadline(time.Now().Add(startWait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var frame worker.ControlFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, errors.WrapScanError(errors.CodeValidation, "Unreadable start frame", err)
	}
	if frame.Type != worker.FrameStart || frame.Request == nil {
		return nil, errors.NewScanError(errors.CodeValidation, "First frame must be a start frame with a request")
	}
	return frame.Request, nil
}

// readControl handles cancel frames until the connection closes. A closed
// connection, or a client silent for longer than pongWait, cancels the job.
func (h *StreamHandler) readControl(conn *websocket.Conn, handle worker.Handle, pongWait time.Duration, log *logging.Logger) {
	for {
		var frame worker.ControlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-handle.Done():
			default:
				log.Info("Stream client went away, cancelling job", "error", err)
				handle.Cancel()
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if frame.Type == worker.FrameCancel {
			log.Info("Cancel frame received")
			handle.Cancel()
		}
	}
}

func rejection(err error) worker.ControlFrame {
	return worker.ControlFrame{
		Type:  worker.FrameRejected,
		Error: &scanning.JobError{Code: errors.GetCode(err), Message: err.Error()},
	}
}
