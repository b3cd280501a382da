package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// StatusHandler answers the root path the way the telephony console checks it.
type StatusHandler struct{}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	Now       func() time.Time
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool            `json:"ok"`
		Draining      bool            `json:"draining"`
		ActiveCalls   int             `json:"active_calls"`
		Calls         []sessions.Call `json:"calls,omitempty"`
		LimitsEnabled bool            `json:"limits_enabled"`
		UptimeSeconds int64           `json:"uptime_seconds"`
		Issues        []string        `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.AgentID == "" {
		issues = append(issues, "agent id is not configured")
	}
	if h.Config.APIKey == "" {
		issues = append(issues, "api key is not configured")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.IssueTimeout <= 0 || h.Config.AgentDialTimeout <= 0 {
		issues = append(issues, "relay timeouts must be > 0")
	}
	if h.Config.WSMaxMessageBytes <= 0 {
		issues = append(issues, "ws max message bytes must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:            ok,
		Draining:      draining,
		ActiveCalls:   h.Calls.Count(),
		Calls:         h.Calls.Snapshot(),
		LimitsEnabled: (h.Config.WebhookRPS > 0 && h.Config.WebhookBurst > 0) || h.Config.MaxConcurrentCalls > 0,
		UptimeSeconds: int64(h.Lifecycle.Uptime(now()) / time.Second),
		Issues:        issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
