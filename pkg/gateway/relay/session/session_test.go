package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/convai"
	"github.com/vango-go/callbridge/pkg/gateway/relay/translate"
)

const testTimeout = 3 * time.Second

type stubIssuer struct {
	url   string
	err   error
	calls atomic.Int32
}

func (s *stubIssuer) IssueSignedURL(ctx context.Context, agentID string) (convai.SignedURL, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return convai.SignedURL(s.url), nil
}

type runResult struct {
	sess *Session
	err  error
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newAgentServer runs script against every agent connection and closes done
// once the script returns.
func newAgentServer(t *testing.T, script func(conn *websocket.Conn)) (url string, done <-chan struct{}) {
	t.Helper()
	finished := make(chan struct{})
	var once atomic.Bool
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("agent upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
		if once.CompareAndSwap(false, true) {
			close(finished)
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv.URL), finished
}

// newRelayServer accepts telephony connections and runs a session for each.
func newRelayServer(t *testing.T, deps Dependencies) (url string, results <-chan runResult) {
	t.Helper()
	out := make(chan runResult, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("telephony upgrade: %v", err)
			return
		}
		sess, err := New(deps)
		if err != nil {
			t.Errorf("New: %v", err)
			_ = conn.Close()
			return
		}
		err = sess.Run(context.Background(), conn)
		out <- runResult{sess: sess, err: err}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv.URL), out
}

func dialTelephony(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial telephony: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testDeps(issuer Issuer) Dependencies {
	return Dependencies{
		Issuer:    issuer,
		AgentID:   "agent_test",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionID: "sess_test",
		Config:    Config{WriteTimeout: time.Second, MaxMessageBytes: 1 << 20},
	}
}

func sendText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write %s: %v", frame, err)
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func waitResult(t *testing.T, results <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(testTimeout):
		t.Fatal("session did not finish")
		return runResult{}
	}
}

func waitClosed(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("%s was not closed", what)
	}
}

func TestSession_RelaysAudioAndEndsOnStop(t *testing.T) {
	agentFrames := make(chan string, 8)
	agentURL, agentDone := newAgentServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_1","agent_output_audio_format":"ulaw_8000","user_input_audio_format":"ulaw_8000"}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			agentFrames <- string(data)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"//8=","event_id":1}}`))
		}
	})
	issuer := &stubIssuer{url: agentURL}
	relayURL, results := newRelayServer(t, testDeps(issuer))

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	sendText(t, phone, `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1"},"streamSid":"MZ1"}`)
	sendText(t, phone, `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"AAA="}}`)

	select {
	case got := <-agentFrames:
		if got != `{"user_audio_chunk":"AAA="}` {
			t.Fatalf("agent got %s", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("agent did not receive caller audio")
	}

	if got := readText(t, phone); got != `{"event":"media","streamSid":"MZ1","media":{"payload":"//8="}}` {
		t.Fatalf("telephony got %s", got)
	}

	sendText(t, phone, `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
	if res.sess.State() != StateClosed {
		t.Fatalf("state=%s, want closed", res.sess.State())
	}
	if res.sess.StreamSID() != "MZ1" || res.sess.CallSID() != "CA1" {
		t.Fatalf("stream/call sid=%q/%q", res.sess.StreamSID(), res.sess.CallSID())
	}
	if res.sess.ConversationID() != "conv_1" {
		t.Fatalf("conversation id=%q", res.sess.ConversationID())
	}
	if issuer.calls.Load() != 1 {
		t.Fatalf("issuer calls=%d, want 1", issuer.calls.Load())
	}
	waitClosed(t, agentDone, "agent leg")
}

func TestSession_DropsAgentAudioBeforeStartAndAnswersPingOnce(t *testing.T) {
	pongs := make(chan string, 4)
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"AQI=","event_id":1}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ping_event":{"event_id":"p1","ping_ms":12}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame := string(data)
			if strings.Contains(frame, `"pong"`) {
				pongs <- frame
				continue
			}
			if strings.Contains(frame, "user_audio_chunk") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"//8=","event_id":2}}`))
			}
		}
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)

	select {
	case got := <-pongs:
		if got != `{"type":"pong","event_id":"p1"}` {
			t.Fatalf("pong=%s", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("agent did not receive pong")
	}

	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ2"}}`)
	sendText(t, phone, `{"event":"media","media":{"payload":"AAA="}}`)

	// The early audio frame had no stream to go to; the first frame the caller
	// sees is the one sent after start.
	if got := readText(t, phone); got != `{"event":"media","streamSid":"MZ2","media":{"payload":"//8="}}` {
		t.Fatalf("telephony got %s", got)
	}

	sendText(t, phone, `{"event":"stop"}`)
	res := waitResult(t, results)
	if res.err != nil || res.sess.State() != StateClosed {
		t.Fatalf("Run error=%v state=%s", res.err, res.sess.State())
	}
	select {
	case extra := <-pongs:
		t.Fatalf("unexpected second pong %s", extra)
	default:
	}
}

func TestSession_InterruptionKeepsStreamBound(t *testing.T) {
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "user_audio_chunk") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interruption","interruption_event":{"event_id":3}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"//8=","event_id":4}}`))
			}
		}
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ3"}}`)
	sendText(t, phone, `{"event":"media","media":{"payload":"AAA="}}`)

	if got := readText(t, phone); got != `{"event":"clear","streamSid":"MZ3"}` {
		t.Fatalf("first frame=%s", got)
	}
	if got := readText(t, phone); got != `{"event":"media","streamSid":"MZ3","media":{"payload":"//8="}}` {
		t.Fatalf("second frame=%s", got)
	}

	sendText(t, phone, `{"event":"stop"}`)
	if res := waitResult(t, results); res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
}

func TestSession_SecondStartDoesNotRebind(t *testing.T) {
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "user_audio_chunk") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio_event":{"audio_base_64":"//8="}}`))
			}
		}
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ4"}}`)
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ5"}}`)
	sendText(t, phone, `{"event":"media","media":{"payload":"AAA="}}`)

	if got := readText(t, phone); !strings.Contains(got, `"streamSid":"MZ4"`) {
		t.Fatalf("telephony got %s", got)
	}
	sendText(t, phone, `{"event":"stop"}`)
	res := waitResult(t, results)
	if res.sess.StreamSID() != "MZ4" {
		t.Fatalf("stream sid=%q, want MZ4", res.sess.StreamSID())
	}
}

func TestSession_AbruptTelephonyCloseClosesAgent(t *testing.T) {
	connected := make(chan struct{})
	agentURL, agentDone := newAgentServer(t, func(conn *websocket.Conn) {
		close(connected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ6"}}`)
	waitClosed(t, connected, "agent connect signal")

	// Drop the TCP connection without a close frame.
	_ = phone.NetConn().Close()

	res := waitResult(t, results)
	if res.err == nil {
		t.Fatal("expected a connection error")
	}
	var connErr *ConnectionError
	if !errors.As(res.err, &connErr) || connErr.Leg != translate.LegTelephony {
		t.Fatalf("error=%v, want telephony ConnectionError", res.err)
	}
	if !IsFatal(res.err) {
		t.Fatal("connection error should be fatal")
	}
	if res.sess.State() != StateError {
		t.Fatalf("state=%s, want error", res.sess.State())
	}
	waitClosed(t, agentDone, "agent leg")
}

func TestSession_AgentNormalCloseEndsCall(t *testing.T) {
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)
	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
	if res.sess.State() != StateClosed {
		t.Fatalf("state=%s, want closed", res.sess.State())
	}

	_ = phone.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := phone.ReadMessage(); err == nil {
		t.Fatal("expected telephony leg to be closed")
	}
}

func TestSession_PeerCloseFrameEndsClosed(t *testing.T) {
	tests := []struct {
		name    string
		leg     translate.Leg
		payload []byte
	}{
		{name: "telephony close without status", leg: translate.LegTelephony, payload: []byte{}},
		{name: "agent close without status", leg: translate.LegAgent, payload: []byte{}},
		{name: "agent internal error close", leg: translate.LegAgent, payload: websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "agent failure")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			agentURL, agentDone := newAgentServer(t, func(conn *websocket.Conn) {
				if tc.leg == translate.LegAgent {
					_ = conn.WriteControl(websocket.CloseMessage, tc.payload, time.Now().Add(time.Second))
				}
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			})
			relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

			phone := dialTelephony(t, relayURL)
			sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ9"}}`)
			if tc.leg == translate.LegTelephony {
				if err := phone.WriteControl(websocket.CloseMessage, tc.payload, time.Now().Add(time.Second)); err != nil {
					t.Fatalf("write close: %v", err)
				}
			}

			res := waitResult(t, results)
			if res.err != nil {
				t.Fatalf("Run error: %v", res.err)
			}
			if res.sess.State() != StateClosed {
				t.Fatalf("state=%s, want closed", res.sess.State())
			}
			waitClosed(t, agentDone, "agent leg")
		})
	}
}

func TestReadError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		clean bool
	}{
		{name: "normal", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, clean: true},
		{name: "no status", err: &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, clean: true},
		{name: "internal error", err: &websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "boom"}, clean: true},
		{name: "dropped connection", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, clean: false},
		{name: "eof", err: io.ErrUnexpectedEOF, clean: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := readError(translate.LegAgent, tc.err)
			var eos *EndOfStream
			if got := errors.As(err, &eos); got != tc.clean {
				t.Fatalf("readError(%v) = %v, clean=%v want %v", tc.err, err, got, tc.clean)
			}
			if !tc.clean {
				var connErr *ConnectionError
				if !errors.As(err, &connErr) || connErr.Op != "read" {
					t.Fatalf("readError(%v) = %v, want read ConnectionError", tc.err, err)
				}
			}
		})
	}
}

// blockingIssuer parks inside IssueSignedURL until its context ends.
type blockingIssuer struct {
	entered chan struct{}
}

func (b *blockingIssuer) IssueSignedURL(ctx context.Context, agentID string) (convai.SignedURL, error) {
	b.entered <- struct{}{}
	<-ctx.Done()
	return "", ctx.Err()
}

type blockingDialer struct {
	entered chan struct{}
}

func (b *blockingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	b.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_CancelWhileConnectingEndsClosed(t *testing.T) {
	tests := []struct {
		name   string
		dial   bool
		parent bool
	}{
		{name: "cancel during issuance"},
		{name: "parent done during issuance", parent: true},
		{name: "cancel during dial", dial: true},
		{name: "parent done during dial", dial: true, parent: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// The issuer returns as soon as its context ends, racing the cancel
			// callback; repeat so both orderings are exercised.
			for i := 0; i < 50; i++ {
				entered := make(chan struct{}, 1)
				obs := &countingObserver{}
				deps := testDeps(&blockingIssuer{entered: entered})
				if tc.dial {
					deps.Issuer = &stubIssuer{url: "ws://agent.invalid"}
					deps.Dialer = &blockingDialer{entered: entered}
				}
				deps.Observer = obs
				sess, err := New(deps)
				if err != nil {
					t.Fatalf("New: %v", err)
				}

				ctx, cancel := context.WithCancel(context.Background())
				phone := &fakeConn{}
				done := make(chan error, 1)
				go func() { done <- sess.Run(ctx, phone) }()

				select {
				case <-entered:
				case <-time.After(testTimeout):
					cancel()
					t.Fatal("session never reached the agent connect step")
				}
				if sess.State() != StateAgentConnecting {
					t.Fatalf("state=%s, want agent_connecting", sess.State())
				}
				if tc.parent {
					cancel()
				} else {
					sess.Cancel()
				}

				select {
				case err = <-done:
				case <-time.After(testTimeout):
					t.Fatal("session did not finish")
				}
				cancel()
				if err != nil {
					t.Fatalf("run %d: Run error: %v", i, err)
				}
				if sess.State() != StateClosed {
					t.Fatalf("run %d: state=%s, want closed", i, sess.State())
				}
				if got, _ := obs.lastState.Load().(string); got != "closed" {
					t.Fatalf("run %d: observed state=%q", i, got)
				}
				if obs.issuance.Load() != 0 {
					t.Fatalf("run %d: issuance failures=%d, want 0", i, obs.issuance.Load())
				}
				if phone.closes.Load() != 1 {
					t.Fatalf("run %d: telephony closes=%d, want 1", i, phone.closes.Load())
				}
			}
		})
	}
}

func TestSession_IssuanceFailureClosesTelephony(t *testing.T) {
	issuer := &stubIssuer{err: &convai.IssuanceError{StatusCode: http.StatusUnauthorized}}
	relayURL, results := newRelayServer(t, testDeps(issuer))

	phone := dialTelephony(t, relayURL)
	res := waitResult(t, results)

	var issuanceErr *convai.IssuanceError
	if !errors.As(res.err, &issuanceErr) {
		t.Fatalf("error=%v, want IssuanceError", res.err)
	}
	if res.sess.State() != StateError {
		t.Fatalf("state=%s, want error", res.sess.State())
	}

	_ = phone.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := phone.ReadMessage(); err == nil {
		t.Fatal("expected telephony leg to be closed")
	}
}

func TestSession_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: wsURL(srv.URL)}))
	dialTelephony(t, relayURL)
	res := waitResult(t, results)

	var connErr *ConnectionError
	if !errors.As(res.err, &connErr) || connErr.Leg != translate.LegAgent || connErr.Op != "dial" {
		t.Fatalf("error=%v, want agent dial ConnectionError", res.err)
	}
	if res.sess.State() != StateError {
		t.Fatalf("state=%s, want error", res.sess.State())
	}
}

func TestSession_CancelEndsClosed(t *testing.T) {
	agentURL, agentDone := newAgentServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sessions := make(chan *Session, 1)
	results := make(chan runResult, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess, _ := New(testDeps(&stubIssuer{url: agentURL}))
		sessions <- sess
		err = sess.Run(context.Background(), conn)
		results <- runResult{sess: sess, err: err}
	}))
	defer srv.Close()

	phone := dialTelephony(t, wsURL(srv.URL))
	sess := <-sessions
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ7"}}`)

	deadline := time.Now().Add(testTimeout)
	for sess.State() != StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, never became active", sess.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.Cancel()
	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state=%s, want closed", sess.State())
	}
	waitClosed(t, agentDone, "agent leg")
}

func TestSession_DropsMalformedFramesAndContinues(t *testing.T) {
	agentFrames := make(chan string, 4)
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"agent_output_audio_format":"ulaw_eight"}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			agentFrames <- string(data)
		}
	})
	relayURL, results := newRelayServer(t, testDeps(&stubIssuer{url: agentURL}))

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `garbage`)
	sendText(t, phone, `{"event":"media","media":{}}`)
	sendText(t, phone, `{"event":"media","media":{"payload":"AAA="}}`)

	select {
	case got := <-agentFrames:
		if got != `{"user_audio_chunk":"AAA="}` {
			t.Fatalf("agent got %s", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("valid frame was not relayed after malformed ones")
	}

	sendText(t, phone, `{"event":"stop"}`)
	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("Run error: %v", res.err)
	}
	if got := res.sess.AgentFormat().String(); got != "ulaw_8000" {
		t.Fatalf("agent format=%q, want fallback ulaw_8000", got)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Dependencies{AgentID: "a"}); err == nil {
		t.Fatal("expected error without issuer")
	}
	if _, err := New(Dependencies{Issuer: &stubIssuer{}}); err == nil {
		t.Fatal("expected error without agent id")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: ErrCanceled, want: false},
		{err: &EndOfStream{Leg: translate.LegTelephony, Reason: "stop event"}, want: false},
		{err: &translate.MalformedEventError{Leg: translate.LegAgent, Reason: "x"}, want: false},
		{err: &translate.ProtocolViolationError{Event: "audio", Reason: "x"}, want: false},
		{err: &ConnectionError{Leg: translate.LegAgent, Op: "read"}, want: true},
		{err: &convai.IssuanceError{StatusCode: 500}, want: true},
	}
	for _, tc := range tests {
		if got := IsFatal(tc.err); got != tc.want {
			t.Fatalf("IsFatal(%v)=%v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestObserverReceivesCounters(t *testing.T) {
	obs := &countingObserver{}
	agentURL, _ := newAgentServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	deps := testDeps(&stubIssuer{url: agentURL})
	deps.Observer = obs
	relayURL, results := newRelayServer(t, deps)

	phone := dialTelephony(t, relayURL)
	sendText(t, phone, `{"event":"start","start":{"streamSid":"MZ8"}}`)
	sendText(t, phone, `{"event":"media","media":{"payload":"AAA="}}`)
	sendText(t, phone, `{"event":"stop"}`)
	waitResult(t, results)

	if obs.started.Load() != 1 || obs.ended.Load() != 1 {
		t.Fatalf("started/ended=%d/%d", obs.started.Load(), obs.ended.Load())
	}
	if obs.relayed.Load() != 1 {
		t.Fatalf("relayed=%d, want 1", obs.relayed.Load())
	}
	if got, _ := obs.lastState.Load().(string); got != "closed" {
		t.Fatalf("ended state=%q", got)
	}
}

type countingObserver struct {
	started   atomic.Int32
	ended     atomic.Int32
	relayed   atomic.Int32
	dropped   atomic.Int32
	issuance  atomic.Int32
	lastState atomic.Value
}

func (o *countingObserver) SessionStarted() { o.started.Add(1) }

func (o *countingObserver) SessionEnded(state string, d time.Duration) {
	o.lastState.Store(state)
	o.ended.Add(1)
}

func (o *countingObserver) FrameRelayed(direction, event string, audioBytes int) {
	o.relayed.Add(1)
}

func (o *countingObserver) FrameDropped(leg, reason string) { o.dropped.Add(1) }

func (o *countingObserver) IssuanceFailed() { o.issuance.Add(1) }

func TestLegCloseIsIdempotent(t *testing.T) {
	fc := &fakeConn{}
	l := newLeg(translate.LegAgent, fc, Config{MaxMessageBytes: 64})
	l.close(websocket.CloseNormalClosure, "")
	l.close(websocket.CloseNormalClosure, "")
	if fc.closes.Load() != 1 || fc.controls.Load() != 1 {
		t.Fatalf("closes/controls=%d/%d, want 1/1", fc.closes.Load(), fc.controls.Load())
	}
	if fc.readLimit != 64 {
		t.Fatalf("read limit=%d", fc.readLimit)
	}

	var nilLeg *leg
	nilLeg.close(websocket.CloseNormalClosure, "")
}

func TestLegWriteJSONWrapsErrors(t *testing.T) {
	fc := &fakeConn{writeErr: errors.New("broken pipe")}
	l := newLeg(translate.LegTelephony, fc, Config{WriteTimeout: time.Second})
	err := l.writeJSON(map[string]string{"event": "clear"})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "write" || connErr.Leg != translate.LegTelephony {
		t.Fatalf("error=%v", err)
	}
	if fc.deadlines.Load() != 1 {
		t.Fatalf("write deadline set %d times, want 1", fc.deadlines.Load())
	}
}

type fakeConn struct {
	writeErr  error
	readLimit int64
	closes    atomic.Int32
	controls  atomic.Int32
	deadlines atomic.Int32
	written   [][]byte
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.controls.Add(1)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error {
	f.deadlines.Add(1)
	return nil
}

func (f *fakeConn) SetReadLimit(limit int64) { f.readLimit = limit }

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	return nil
}
