package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/core"
	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
	"github.com/vango-go/callbridge/pkg/gateway/principal"
	"github.com/vango-go/callbridge/pkg/gateway/ratelimit"
	"github.com/vango-go/callbridge/pkg/gateway/relay/session"
	"github.com/vango-go/callbridge/pkg/gateway/relay/sessions"
)

// MediaStreamHandler upgrades the telephony media stream and runs one relay
// session for the lifetime of the call.
type MediaStreamHandler struct {
	Config    config.Config
	Issuer    session.Issuer
	Dialer    session.AgentDialer
	Logger    *slog.Logger
	Observer  session.Observer
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	Hits      mw.RateLimitHits
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		apiErr := core.NewOverloadedError("bridge is draining")
		apiErr.Code = "draining"
		writeCoreErrorJSON(w, r, apiErr, StatusDraining)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Limiter != nil {
		client := principal.Resolve(r, h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireCall(client.Key, time.Now())
		if !dec.Allowed {
			if h.Hits != nil {
				h.Hits.RecordRateLimitHit("concurrent_calls")
			}
			logger.Debug("concurrent call cap reached", "client_ip", client.IP, "client_source", client.Source)
			writeCoreErrorJSON(w, r, core.NewRateLimitError("too many active calls", dec.RetryAfter), http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	reqID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media stream upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	sessionID := "call_" + uuid.NewString()
	s, err := session.New(session.Dependencies{
		Issuer:    h.Issuer,
		Dialer:    h.Dialer,
		AgentID:   h.Config.AgentID,
		Logger:    logger.With("request_id", reqID),
		Observer:  h.Observer,
		SessionID: sessionID,
		Config: session.Config{
			WriteTimeout:    h.Config.WSWriteTimeout,
			MaxMessageBytes: h.Config.WSMaxMessageBytes,
			IssueTimeout:    h.Config.IssueTimeout,
			DialTimeout:     h.Config.AgentDialTimeout,
		},
	})
	if err != nil {
		logger.Error("relay session init failed", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "relay unavailable"),
			time.Now().Add(time.Second))
		return
	}

	unregister := h.Calls.Register(sessionID, sessions.Handle{
		Cancel: s.Cancel,
		Describe: func() sessions.Call {
			return sessions.Call{
				SessionID: s.ID(),
				StreamSID: s.StreamSID(),
				State:     s.State().String(),
			}
		},
	})
	defer unregister()

	// The call outlives the upgrade request; shutdown reaches it through Calls.
	if err := s.Run(context.Background(), conn); err != nil && session.IsFatal(err) {
		logger.Warn("relay session ended with error",
			"session_id", sessionID,
			"request_id", reqID,
			"stream_sid", s.StreamSID(),
			"call_sid", s.CallSID(),
			"error", err,
		)
	}
}
