package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
)

const (
	writeWait     = 10 * time.Second
	handshakeWait = 30 * time.Second
)

// RemoteWorker runs jobs on a sharescan server over its websocket stream
// endpoint.
type RemoteWorker struct {
	url       string
	apiKey    string
	buffer    int
	keepalive Keepalive
	dialer    *websocket.Dialer
	logger    *logging.Logger
}

// RemoteOption configures a RemoteWorker.
type RemoteOption func(*RemoteWorker)

// WithKeepalive sets how long the worker waits on a silent server before
// failing the job with TRANSPORT_LOST.
func WithKeepalive(k Keepalive) RemoteOption {
	return func(w *RemoteWorker) { w.keepalive = k.OrDefault() }
}

// NewRemoteWorker creates a worker for the stream endpoint at url
// (ws:// or wss://). apiKey may be empty when the server does not require
// one.
func NewRemoteWorker(url, apiKey string, buffer int, logger *logging.Logger, opts ...RemoteOption) *RemoteWorker {
	if logger == nil {
		logger = logging.Default()
	}
	w := &RemoteWorker{
		url:       url,
		apiKey:    apiKey,
		buffer:    buffer,
		keepalive: DefaultKeepalive(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeWait,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger.WithComponent("remote_worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start connects, submits req and waits for the server to accept it. Once
// accepted, a dropped connection ends the stream with TRANSPORT_LOST.
func (w *RemoteWorker) Start(ctx context.Context, req scanning.ScanRequest) (Handle, error) {
	header := http.Header{}
	if w.apiKey != "" {
		header.Set("X-API-Key", w.apiKey)
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.WrapScanErrorWithTarget(errors.CodePermission, "Worker rejected credentials", w.url, err)
		}
		return nil, errors.WrapScanErrorWithTarget(errors.CodeServiceUnavailable, "Worker unreachable", w.url, err)
	}

	jobID, err := w.handshake(conn, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	rc := &remoteConn{conn: conn}
	stopping := make(chan struct{})
	s := newStream(jobID, w.buffer, stopping, rc.sendCancel)

	// Cancelling the start context cancels the remote job.
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.Done():
		}
	}()

	go w.readLoop(rc, s, stopping)

	w.logger.WithJobID(jobID).Info("Remote job accepted", "url", w.url)
	return s, nil
}

func (w *RemoteWorker) handshake(conn *websocket.Conn, req scanning.ScanRequest) (string, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ControlFrame{Type: FrameStart, Request: &req}); err != nil {
		return "", errors.ErrTransportLost(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var reply ControlFrame
	if err := conn.ReadJSON(&reply); err != nil {
		return "", errors.ErrTransportLost(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case FrameAccepted:
		return reply.JobID, nil
	case FrameRejected:
		if reply.Error != nil {
			return "", errors.NewScanErrorWithTarget(reply.Error.Code, reply.Error.Message, req.Range)
		}
		return "", errors.NewScanErrorWithTarget(errors.CodeUnknown, "Job rejected", req.Range)
	default:
		return "", errors.ErrTransportLost(fmt.Errorf("unexpected frame %q", reply.Type))
	}
}

// readLoop forwards progress until the terminal message. Every message,
// ping or pong from the server pushes the read deadline out by PongWait, so
// a frozen server or a silently dropped link ends the stream with
// TRANSPORT_LOST instead of leaving it open.
func (w *RemoteWorker) readLoop(rc *remoteConn, s *stream, stopping chan struct{}) {
	defer close(stopping)
	defer func() { _ = rc.conn.Close() }()

	conn := rc.conn
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(w.keepalive.PongWait))
	}
	conn.SetPingHandler(func(data string) error {
		extend()
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		return nil
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	extend()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.isFinished() {
				w.logger.WithJobID(s.jobID).Warn("Remote worker connection lost", "error", err)
				s.abandon(err)
			}
			return
		}

		extend()

		var m scanning.ProgressMessage
		if err := json.Unmarshal(data, &m); err != nil {
			s.abandon(fmt.Errorf("malformed progress message: %w", err))
			return
		}
		s.deliver(m)
		if m.IsTerminal() {
			return
		}
	}
}

// remoteConn serialises writes; gorilla connections allow one writer at a
// time.
type remoteConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *remoteConn) sendCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteJSON(ControlFrame{Type: FrameCancel})
}
