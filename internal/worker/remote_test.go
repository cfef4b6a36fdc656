package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
)

// RemoteWorkerTestSuite runs the remote worker against a scripted stream
// endpoint.
type RemoteWorkerTestSuite struct {
	suite.Suite
	server  *httptest.Server
	script  func(conn *websocket.Conn, start ControlFrame)
	started chan ControlFrame
	apiKey  string
}

func (s *RemoteWorkerTestSuite) SetupTest() {
	s.started = make(chan ControlFrame, 1)
	s.apiKey = ""
	upgrader := websocket.Upgrader{}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var start ControlFrame
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		s.started <- start
		s.script(conn, start)
	}))
}

func (s *RemoteWorkerTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *RemoteWorkerTestSuite) worker() *RemoteWorker {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	return NewRemoteWorker(url, "secret", 8, logging.NewNop())
}

func (s *RemoteWorkerTestSuite) collect(h Handle) []scanning.ProgressMessage {
	var out []scanning.ProgressMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-h.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			s.FailNow("stream did not end")
		}
	}
}

func progress(t scanning.MessageType, seq uint64) scanning.ProgressMessage {
	return scanning.ProgressMessage{Type: t, JobID: "job-1", Seq: seq}
}

func (s *RemoteWorkerTestSuite) TestCompletedJob() {
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(ControlFrame{Type: FrameAccepted, JobID: "job-1"})
		host := progress(scanning.MessageHostFound, 1)
		host.Host = &scanning.HostResult{Address: "10.0.0.1", Alive: true}
		_ = conn.WriteJSON(host)
		done := progress(scanning.MessageJobDone, 2)
		done.Summary = &scanning.Summary{HostsProbed: 1, HostsAlive: 1}
		_ = conn.WriteJSON(done)
	}

	h, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.1/32", Mode: scanning.ModeQuick})
	s.Require().NoError(err)
	s.Equal("job-1", h.JobID())

	start := <-s.started
	s.Equal(FrameStart, start.Type)
	s.Require().NotNil(start.Request)
	s.Equal("10.0.0.1/32", start.Request.Range)

	msgs := s.collect(h)
	s.Require().Len(msgs, 2)
	s.Equal(scanning.MessageHostFound, msgs[0].Type)
	s.Equal("10.0.0.1", msgs[0].Host.Address)
	s.Equal(scanning.MessageJobDone, msgs[1].Type)
	s.Equal(1, msgs[1].Summary.HostsAlive)
}

func (s *RemoteWorkerTestSuite) TestRejected() {
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(ControlFrame{
			Type:  FrameRejected,
			Error: &scanning.JobError{Code: errors.CodeValidation, Message: "invalid range"},
		})
	}

	h, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "bogus"})
	s.Require().Error(err)
	s.Nil(h)
	s.True(errors.IsCode(err, errors.CodeValidation))
}

func (s *RemoteWorkerTestSuite) TestUnauthorized() {
	s.apiKey = "other"
	s.script = func(*websocket.Conn, ControlFrame) {}

	_, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.CodePermission))
}

func (s *RemoteWorkerTestSuite) TestCancelSendsFrame() {
	cancelled := make(chan struct{})
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(ControlFrame{Type: FrameAccepted, JobID: "job-1"})
		_ = conn.WriteJSON(progress(scanning.MessageStageChanged, 1))

		var frame ControlFrame
		if err := conn.ReadJSON(&frame); err != nil || frame.Type != FrameCancel {
			return
		}
		close(cancelled)
		_ = conn.WriteJSON(progress(scanning.MessageJobCancelled, 2))
	}

	h, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().NoError(err)

	h.Cancel()
	s.True(h.Cancelled())

	msgs := s.collect(h)
	s.Require().NotEmpty(msgs)
	s.Equal(scanning.MessageJobCancelled, msgs[len(msgs)-1].Type)

	select {
	case <-cancelled:
	default:
		s.Fail("server never saw the cancel frame")
	}
}

func (s *RemoteWorkerTestSuite) TestDroppedConnection() {
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(ControlFrame{Type: FrameAccepted, JobID: "job-1"})
		_ = conn.WriteJSON(progress(scanning.MessageStageChanged, 1))
		_ = conn.WriteJSON(progress(scanning.MessageHostFound, 2))
		// Returning closes the connection without a terminal message.
	}

	h, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().NoError(err)

	msgs := s.collect(h)
	s.Require().Len(msgs, 3)
	last := msgs[2]
	s.Equal(scanning.MessageJobFailed, last.Type)
	s.Equal("job-1", last.JobID)
	s.Equal(uint64(3), last.Seq)
	s.Require().NotNil(last.Error)
	s.Equal(errors.CodeTransportLost, last.Error.Code)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		s.Fail("Done not closed")
	}
}

func (s *RemoteWorkerTestSuite) TestSilentServerEndsStream() {
	release := make(chan struct{})
	defer close(release)
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(ControlFrame{Type: FrameAccepted, JobID: "job-1"})
		_ = conn.WriteJSON(progress(scanning.MessageStageChanged, 1))
		// Frozen: no reads, no writes, no pings.
		<-release
	}

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	w := NewRemoteWorker(url, "", 8, logging.NewNop(),
		WithKeepalive(Keepalive{PongWait: 200 * time.Millisecond, PingPeriod: 100 * time.Millisecond}))

	h, err := w.Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().NoError(err)
	h.Cancel()

	// The stage message may be dropped once cancelled; the terminal may not.
	msgs := s.collect(h)
	s.Require().NotEmpty(msgs)
	last := msgs[len(msgs)-1]
	s.Equal(scanning.MessageJobFailed, last.Type)
	s.Require().NotNil(last.Error)
	s.Equal(errors.CodeTransportLost, last.Error.Code)
	s.True(h.Cancelled())

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		s.Fail("Done not closed")
	}
}

func (s *RemoteWorkerTestSuite) TestPingsKeepStreamOpen() {
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		pongs := make(chan struct{}, 8)
		conn.SetPongHandler(func(string) error {
			pongs <- struct{}{}
			return nil
		})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		_ = conn.WriteJSON(ControlFrame{Type: FrameAccepted, JobID: "job-1"})
		// Stay quiet for longer than PongWait, pinging in between.
		for i := 0; i < 4; i++ {
			time.Sleep(100 * time.Millisecond)
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		}
		select {
		case <-pongs:
		case <-time.After(time.Second):
			return
		}
		_ = conn.WriteJSON(progress(scanning.MessageJobDone, 1))
	}

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	w := NewRemoteWorker(url, "", 8, logging.NewNop(),
		WithKeepalive(Keepalive{PongWait: 250 * time.Millisecond}))

	h, err := w.Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().NoError(err)

	msgs := s.collect(h)
	s.Require().Len(msgs, 1)
	s.Equal(scanning.MessageJobDone, msgs[0].Type)
}

func (s *RemoteWorkerTestSuite) TestUnexpectedHandshakeFrame() {
	s.script = func(conn *websocket.Conn, _ ControlFrame) {
		_ = conn.WriteJSON(progress(scanning.MessageHostFound, 1))
	}

	_, err := s.worker().Start(context.Background(), scanning.ScanRequest{Range: "10.0.0.0/30"})
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.CodeTransportLost))
}

func TestKeepaliveOrDefault(t *testing.T) {
	tests := []struct {
		name string
		in   Keepalive
		want Keepalive
	}{
		{"zero", Keepalive{}, DefaultKeepalive()},
		{"ping only derived", Keepalive{PongWait: time.Second}, Keepalive{PongWait: time.Second, PingPeriod: 900 * time.Millisecond}},
		{"ping not below wait", Keepalive{PongWait: time.Second, PingPeriod: 2 * time.Second}, Keepalive{PongWait: time.Second, PingPeriod: 900 * time.Millisecond}},
		{"explicit", Keepalive{PongWait: time.Second, PingPeriod: 300 * time.Millisecond}, Keepalive{PongWait: time.Second, PingPeriod: 300 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.OrDefault(); got != tt.want {
				t.Errorf("OrDefault() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRemoteWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(RemoteWorkerTestSuite))
}
