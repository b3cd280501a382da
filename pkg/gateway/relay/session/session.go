// Package session relays one phone call between the telephony media stream and
// a conversational agent websocket.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/gateway/relay/protocol"
	"github.com/vango-go/callbridge/pkg/gateway/relay/translate"
	"golang.org/x/sync/errgroup"
)

const (
	DirectionToAgent     = "to_agent"
	DirectionToTelephony = "to_telephony"
)

type Config struct {
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	IssueTimeout    time.Duration
	DialTimeout     time.Duration
}

// Observer receives relay counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionStarted()
	SessionEnded(state string, d time.Duration)
	FrameRelayed(direction, event string, audioBytes int)
	FrameDropped(leg, reason string)
	IssuanceFailed()
}

type Dependencies struct {
	Issuer    Issuer
	Dialer    AgentDialer
	AgentID   string
	Logger    *slog.Logger
	Observer  Observer
	SessionID string
	Config    Config
	Now       func() time.Time
}

// Session owns both legs of one call. A Session is single use: Run may be
// called once.
type Session struct {
	id       string
	agentID  string
	issuer   Issuer
	dialer   AgentDialer
	logger   *slog.Logger
	observer Observer
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	state          atomic.Int32
	streamSID      atomic.Pointer[string]
	callSID        atomic.Pointer[string]
	conversationID atomic.Pointer[string]
	format         atomic.Pointer[protocol.AudioFormat]

	mu        sync.Mutex
	telephony *leg
	agent     *leg
	stopped   bool
	cause     error
	stopOnce  sync.Once
	ran       atomic.Bool
}

func New(deps Dependencies) (*Session, error) {
	if deps.Issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if strings.TrimSpace(deps.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if deps.Dialer == nil {
		deps.Dialer = WebsocketDialer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 10 * time.Second
	}
	if deps.Config.IssueTimeout <= 0 {
		deps.Config.IssueTimeout = 10 * time.Second
	}
	if deps.Config.DialTimeout <= 0 {
		deps.Config.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:       deps.SessionID,
		agentID:  strings.TrimSpace(deps.AgentID),
		issuer:   deps.Issuer,
		dialer:   deps.Dialer,
		logger:   deps.Logger.With("session_id", deps.SessionID),
		observer: deps.Observer,
		cfg:      deps.Config,
		now:      deps.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	fallback := protocol.DefaultAudioFormat()
	s.format.Store(&fallback)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// StreamSID returns the telephony stream identifier, or "" before "start".
func (s *Session) StreamSID() string { return loadString(&s.streamSID) }

func (s *Session) CallSID() string { return loadString(&s.callSID) }

func (s *Session) ConversationID() string { return loadString(&s.conversationID) }

// AgentFormat is the agent's announced output format, μ-law 8 kHz until told
// otherwise.
func (s *Session) AgentFormat() protocol.AudioFormat { return *s.format.Load() }

// Cancel stops the session. The session ends in Closed.
func (s *Session) Cancel() {
	s.cancel(ErrCanceled)
}

// Run relays frames until either leg ends, then closes both legs. It returns
// nil when the call ended cleanly (stop event, peer close frame, or Cancel) and the
// first fatal error otherwise. ctx cancellation is treated like Cancel.
func (s *Session) Run(ctx context.Context, telephonyConn Conn) error {
	if telephonyConn == nil {
		return fmt.Errorf("telephony connection is required")
	}
	if !s.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("session already ran")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	started := s.now()
	s.observer.SessionStarted()
	defer func() {
		s.observer.SessionEnded(s.State().String(), s.now().Sub(started))
	}()

	stopParent := context.AfterFunc(ctx, s.Cancel)
	defer stopParent()

	s.mu.Lock()
	s.telephony = newLeg(translate.LegTelephony, telephonyConn, s.cfg)
	s.mu.Unlock()
	stopSelf := context.AfterFunc(s.ctx, func() { s.stopWith(context.Cause(s.ctx)) })
	defer stopSelf()

	s.setState(StateAgentConnecting)
	agentConn, err := s.connectAgent()
	if err != nil {
		return s.finish(err)
	}
	if err := s.attachAgent(agentConn); err != nil {
		return s.finish(err)
	}

	s.setState(StateActive)
	s.logger.Info("relay session active", "agent_id", s.agentID)

	var g errgroup.Group
	g.Go(func() error {
		err := s.pumpTelephony()
		s.stopWith(err)
		return err
	})
	g.Go(func() error {
		err := s.pumpAgent()
		s.stopWith(err)
		return err
	})
	_ = g.Wait()

	return s.finish(nil)
}

func (s *Session) connectAgent() (Conn, error) {
	issueCtx, cancelIssue := context.WithTimeout(s.ctx, s.cfg.IssueTimeout)
	signed, err := s.issuer.IssueSignedURL(issueCtx, s.agentID)
	cancelIssue()
	if err != nil {
		if issuanceFailure(err) || s.ctx.Err() == nil {
			s.observer.IssuanceFailed()
		}
		return nil, fmt.Errorf("issue signed url: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancelDial()
	conn, err := s.dialer.Dial(dialCtx, signed.String())
	if err != nil {
		return nil, &ConnectionError{Leg: translate.LegAgent, Op: "dial", Err: err}
	}
	return conn, nil
}

// attachAgent installs the agent leg unless the session was stopped while the
// dial was in flight.
func (s *Session) attachAgent(conn Conn) error {
	l := newLeg(translate.LegAgent, conn, s.cfg)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		l.close(websocket.CloseNormalClosure, "")
		return ErrCanceled
	}
	s.agent = l
	s.mu.Unlock()
	return nil
}

// stopWith records the first stop cause and closes both legs. Later calls are
// no-ops.
func (s *Session) stopWith(cause error) {
	s.stopOnce.Do(func() {
		if cause == nil {
			cause = ErrCanceled
		}
		s.mu.Lock()
		s.stopped = true
		s.cause = cause
		telephony, agent := s.telephony, s.agent
		s.mu.Unlock()

		code, reason := websocket.CloseNormalClosure, ""
		if isClean(cause) {
			s.transition(StateActive, StateDraining)
		} else {
			code, reason = websocket.CloseInternalServerErr, "relay error"
		}
		s.cancel(cause)
		telephony.close(code, reason)
		agent.close(code, reason)
	})
}

// finish records err unless the session was already canceled, in which case
// the cancel cause wins over whatever the interrupted issuer or dialer returned.
func (s *Session) finish(err error) error {
	if err != nil && s.ctx.Err() != nil {
		err = context.Cause(s.ctx)
	}
	s.stopWith(err)

	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()

	if isClean(cause) {
		s.setState(StateClosed)
		s.logger.Info("relay session closed", "reason", cause.Error(), "stream_sid", s.StreamSID())
		return nil
	}
	s.setState(StateError)
	s.logger.Warn("relay session failed", "error", cause, "stream_sid", s.StreamSID())
	return cause
}

func (s *Session) pumpTelephony() error {
	for {
		messageType, data, err := s.telephony.conn.ReadMessage()
		if err != nil {
			return readError(translate.LegTelephony, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		action, err := translate.FromTelephony(data)
		if err != nil {
			s.dropFrame(translate.LegTelephony, err)
			continue
		}
		switch a := action.(type) {
		case translate.StreamStart:
			s.bindStream(a)
		case translate.SendToAgent:
			if err := s.agent.writeJSON(a.Frame); err != nil {
				return err
			}
			s.observer.FrameRelayed(DirectionToAgent, a.Event, a.AudioBytes)
		case translate.EndOfStream:
			s.logger.Info("telephony stream stopped", "call_sid", a.CallSID)
			return &EndOfStream{Leg: translate.LegTelephony, Reason: "stop event"}
		}
	}
}

func (s *Session) pumpAgent() error {
	for {
		messageType, data, err := s.agent.conn.ReadMessage()
		if err != nil {
			return readError(translate.LegAgent, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		action, err := translate.FromAgent(data, s.StreamSID())
		if err != nil {
			s.dropFrame(translate.LegAgent, err)
			continue
		}
		switch a := action.(type) {
		case translate.FormatUpdate:
			s.updateFormat(a)
		case translate.SendToTelephony:
			if err := s.telephony.writeJSON(a.Frame); err != nil {
				return err
			}
			s.observer.FrameRelayed(DirectionToTelephony, a.Event, a.AudioBytes)
		case translate.SendToAgent:
			if err := s.agent.writeJSON(a.Frame); err != nil {
				return err
			}
			s.observer.FrameRelayed(DirectionToAgent, a.Event, 0)
		case translate.AgentResponse:
			s.logger.Info("agent response", "text", a.Text)
		case translate.UserTranscript:
			s.logger.Debug("user transcript", "text", a.Text)
		}
	}
}

// bindStream stores the stream identifier once. A later start naming a
// different stream is ignored.
func (s *Session) bindStream(start translate.StreamStart) {
	sid := start.StreamSID
	if s.streamSID.CompareAndSwap(nil, &sid) {
		if start.CallSID != "" {
			callSID := start.CallSID
			s.callSID.Store(&callSID)
		}
		attrs := []any{"stream_sid", sid, "call_sid", start.CallSID}
		if mf := start.MediaFormat; mf != nil {
			attrs = append(attrs, "encoding", mf.Encoding, "sample_rate", mf.SampleRate)
		}
		s.logger.Info("telephony stream started", attrs...)
		return
	}
	if current := s.StreamSID(); current != sid {
		s.logger.Warn("ignoring start for a different stream", "stream_sid", current, "new_stream_sid", sid)
	}
}

func (s *Session) updateFormat(update translate.FormatUpdate) {
	format := update.Format
	s.format.Store(&format)
	if update.ConversationID != "" {
		id := update.ConversationID
		s.conversationID.Store(&id)
	}
	s.logger.Info("agent conversation started",
		"conversation_id", update.ConversationID,
		"agent_output_audio_format", format.String(),
		"user_input_audio_format", update.UserInput,
	)
	if !format.IsTelephonyNative() {
		s.logger.Warn("agent output format is not telephony native; audio is relayed untranscoded",
			"agent_output_audio_format", format.String())
	}
}

func (s *Session) dropFrame(leg translate.Leg, err error) {
	reason := "malformed"
	var (
		format    *translate.FormatParseError
		violation *translate.ProtocolViolationError
	)
	switch {
	case errors.As(err, &format):
		reason = "format"
	case errors.As(err, &violation):
		reason = "protocol_violation"
	}
	s.observer.FrameDropped(string(leg), reason)
	s.logger.Warn("dropping frame", "leg", string(leg), "reason", reason, "error", err)
}

func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Session) transition(from, to State) {
	s.state.CompareAndSwap(int32(from), int32(to))
}

func loadString(p *atomic.Pointer[string]) string {
	if v := p.Load(); v != nil {
		return *v
	}
	return ""
}

type nopObserver struct{}

func (nopObserver) SessionStarted()                    {}
func (nopObserver) SessionEnded(string, time.Duration) {}
func (nopObserver) FrameRelayed(string, string, int)   {}
func (nopObserver) FrameDropped(string, string)        {}
func (nopObserver) IssuanceFailed()                    {}
