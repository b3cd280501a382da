// Package translate maps frames between the telephony media-stream vocabulary and
// the conversational agent vocabulary. It performs no I/O: each function turns one
// raw frame into one Action for the relay session to carry out.
package translate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vango-go/callbridge/pkg/gateway/relay/protocol"
)

// ErrStreamNotBound is wrapped by ProtocolViolationError when an agent event
// needs a stream id that the telephony leg has not announced yet.
var ErrStreamNotBound = errors.New("telephony stream id not known yet")

// Action is the result of translating one frame.
type Action interface {
	action()
}

// StreamStart binds the session to a telephony stream. The caller must store
// StreamSID; it identifies every frame later sent back to the telephony leg.
type StreamStart struct {
	StreamSID   string
	CallSID     string
	AccountSID  string
	MediaFormat *protocol.MediaFormat
}

// SendToAgent asks the session to write Frame on the agent leg.
type SendToAgent struct {
	Event string
	Frame any
	// AudioBytes is the base64 payload length for audio frames, zero otherwise.
	AudioBytes int
}

// SendToTelephony asks the session to write Frame on the telephony leg.
type SendToTelephony struct {
	Event      string
	Frame      any
	AudioBytes int
}

// EndOfStream means the telephony leg finished cleanly and the agent leg
// should be closed.
type EndOfStream struct {
	CallSID string
}

// FormatUpdate carries the agent's announced output format.
type FormatUpdate struct {
	ConversationID string
	Format         protocol.AudioFormat
	UserInput      string
}

// AgentResponse is informational text from the agent; it has no network effect.
type AgentResponse struct {
	Text string
}

// UserTranscript is the agent's transcription of the caller; informational only.
type UserTranscript struct {
	Text string
}

// Ignore is returned for frames that need no action.
type Ignore struct {
	Event string
}

func (StreamStart) action()     {}
func (SendToAgent) action()     {}
func (SendToTelephony) action() {}
func (EndOfStream) action()     {}
func (FormatUpdate) action()    {}
func (AgentResponse) action()   {}
func (UserTranscript) action()  {}
func (Ignore) action()          {}

// FromTelephony translates one telephony frame. It returns StreamStart for
// "start", SendToAgent wrapping the unmodified base64 payload for "media",
// EndOfStream for "stop", and Ignore for anything else.
func FromTelephony(data []byte) (Action, error) {
	var ev protocol.TelephonyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &MalformedEventError{Leg: LegTelephony, Reason: "invalid json frame", Err: err}
	}
	name := strings.TrimSpace(ev.Event)
	if name == "" {
		return nil, malformed(LegTelephony, "", "missing event")
	}

	switch name {
	case protocol.TelephonyEventStart:
		if ev.Start == nil {
			return nil, malformed(LegTelephony, name, "missing start payload")
		}
		sid := strings.TrimSpace(ev.Start.StreamSID)
		if sid == "" {
			sid = strings.TrimSpace(ev.StreamSID)
		}
		if sid == "" {
			return nil, malformed(LegTelephony, name, "start.streamSid is required")
		}
		return StreamStart{
			StreamSID:   sid,
			CallSID:     strings.TrimSpace(ev.Start.CallSID),
			AccountSID:  strings.TrimSpace(ev.Start.AccountSID),
			MediaFormat: ev.Start.MediaFormat,
		}, nil
	case protocol.TelephonyEventMedia:
		if ev.Media == nil || strings.TrimSpace(ev.Media.Payload) == "" {
			return nil, malformed(LegTelephony, name, "media.payload is required")
		}
		if err := validateBase64(ev.Media.Payload); err != nil {
			return nil, &MalformedEventError{Leg: LegTelephony, Event: name, Reason: "media.payload is not base64", Err: err}
		}
		return SendToAgent{
			Event:      name,
			Frame:      protocol.UserAudioChunk{UserAudioChunk: ev.Media.Payload},
			AudioBytes: len(ev.Media.Payload),
		}, nil
	case protocol.TelephonyEventStop:
		out := EndOfStream{}
		if ev.Stop != nil {
			out.CallSID = strings.TrimSpace(ev.Stop.CallSID)
		}
		return out, nil
	default:
		return Ignore{Event: name}, nil
	}
}

// FromAgent translates one agent frame. streamSID is the session's bound
// telephony stream id, or "" while none is known.
func FromAgent(data []byte, streamSID string) (Action, error) {
	var ev protocol.AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &MalformedEventError{Leg: LegAgent, Reason: "invalid json frame", Err: err}
	}
	typ := strings.TrimSpace(ev.Type)
	if typ == "" {
		return nil, malformed(LegAgent, "", "missing type")
	}

	switch typ {
	case protocol.AgentEventConversationInitiationMetadata:
		meta := ev.ConversationInitiationMetadata
		if meta == nil || strings.TrimSpace(meta.AgentOutputAudioFormat) == "" {
			return nil, malformed(LegAgent, typ, "agent_output_audio_format is required")
		}
		format, err := protocol.ParseAudioFormat(meta.AgentOutputAudioFormat)
		if err != nil {
			return nil, &MalformedEventError{
				Leg:   LegAgent,
				Event: typ,
				Err:   &FormatParseError{Format: meta.AgentOutputAudioFormat, Err: err},
			}
		}
		return FormatUpdate{
			ConversationID: strings.TrimSpace(meta.ConversationID),
			Format:         format,
			UserInput:      strings.TrimSpace(meta.UserInputAudioFormat),
		}, nil
	case protocol.AgentEventAudio:
		if ev.Audio == nil || strings.TrimSpace(ev.Audio.AudioBase64) == "" {
			return nil, malformed(LegAgent, typ, "audio_event.audio_base_64 is required")
		}
		if streamSID == "" {
			return nil, &ProtocolViolationError{Event: typ, Err: ErrStreamNotBound}
		}
		return SendToTelephony{
			Event:      protocol.TelephonyEventMedia,
			Frame:      protocol.NewTelephonyMedia(streamSID, ev.Audio.AudioBase64),
			AudioBytes: len(ev.Audio.AudioBase64),
		}, nil
	case protocol.AgentEventInterruption:
		if streamSID == "" {
			return nil, &ProtocolViolationError{Event: typ, Err: ErrStreamNotBound}
		}
		return SendToTelephony{
			Event: protocol.TelephonyEventClear,
			Frame: protocol.NewTelephonyClear(streamSID),
		}, nil
	case protocol.AgentEventPing:
		if ev.Ping == nil || !protocol.HasEventID(ev.Ping.EventID) {
			return nil, malformed(LegAgent, typ, "ping_event.event_id is required")
		}
		return SendToAgent{
			Event: protocol.AgentEventPong,
			Frame: protocol.NewAgentPong(ev.Ping.EventID),
		}, nil
	case protocol.AgentEventAgentResponse:
		if ev.AgentResponse == nil {
			return Ignore{Event: typ}, nil
		}
		return AgentResponse{Text: strings.TrimSpace(ev.AgentResponse.AgentResponse)}, nil
	case protocol.AgentEventUserTranscript:
		if ev.UserTranscript == nil {
			return Ignore{Event: typ}, nil
		}
		return UserTranscript{Text: strings.TrimSpace(ev.UserTranscript.UserTranscript)}, nil
	default:
		return Ignore{Event: typ}, nil
	}
}

// validateBase64 accepts standard base64 with or without padding.
func validateBase64(s string) error {
	s = strings.TrimSpace(s)
	if _, err := base64.StdEncoding.DecodeString(s); err == nil {
		return nil
	}
	_, err := base64.RawStdEncoding.DecodeString(s)
	return err
}
