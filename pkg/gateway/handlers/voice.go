package handlers

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// VoiceHandler answers the incoming-call webhook with a call-control document
// that connects the call's media stream to this process.
type VoiceHandler struct {
	Config config.Config
	Logger *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		// Twilio posts form fields; a bad body must not fail the call.
		_ = r.ParseForm()
	}
	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Info("incoming call",
			"request_id", reqID,
			"call_sid", r.FormValue("CallSid"),
		)
	}

	body, err := xml.Marshal(twimlResponse{
		Connect: twimlConnect{Stream: twimlStream{
			URL: h.streamURL(r),
			Parameters: []twimlParameter{
				{Name: "format", Value: "mulaw"},
			},
		}},
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (h VoiceHandler) streamURL(r *http.Request) string {
	host := strings.TrimSpace(h.Config.PublicHost)
	if host == "" {
		host = r.Host
	}
	scheme := h.Config.StreamScheme
	if scheme == "" {
		scheme = "wss"
	}
	path := h.Config.StreamPath
	if path == "" {
		path = "/media-stream"
	}
	return scheme + "://" + host + path
}
