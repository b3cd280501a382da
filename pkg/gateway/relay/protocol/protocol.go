// Package protocol defines the JSON frames exchanged on both legs of a relayed call:
// the telephony media stream (inbound caller audio, outbound agent audio) and the
// conversational agent websocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Telephony media-stream event names.
const (
	TelephonyEventConnected = "connected"
	TelephonyEventStart     = "start"
	TelephonyEventMedia     = "media"
	TelephonyEventStop      = "stop"
	TelephonyEventMark      = "mark"
	TelephonyEventClear     = "clear"
)

// Agent websocket event types.
const (
	AgentEventConversationInitiationMetadata = "conversation_initiation_metadata"
	AgentEventAudio                          = "audio"
	AgentEventInterruption                   = "interruption"
	AgentEventPing                           = "ping"
	AgentEventPong                           = "pong"
	AgentEventAgentResponse                  = "agent_response"
	AgentEventUserTranscript                 = "user_transcript"
)

const (
	EncodingMulaw = "ulaw"

	// DefaultSampleRateHz is the telephony-native rate assumed until the agent
	// announces its output format.
	DefaultSampleRateHz = 8000
)

// AudioFormat is an agent audio format of the shape <encoding>_<sampleRateHz>.
type AudioFormat struct {
	Encoding     string
	SampleRateHz int
}

// DefaultAudioFormat is μ-law at 8 kHz.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Encoding: EncodingMulaw, SampleRateHz: DefaultSampleRateHz}
}

func (f AudioFormat) String() string {
	return f.Encoding + "_" + strconv.Itoa(f.SampleRateHz)
}

// IsTelephonyNative reports whether audio in this format can be played by the
// telephony leg without transcoding.
func (f AudioFormat) IsTelephonyNative() bool {
	return f.Encoding == EncodingMulaw && f.SampleRateHz == DefaultSampleRateHz
}

// ParseAudioFormat splits "ulaw_8000" into its encoding and sample rate. The
// encoding is everything before the last underscore.
func ParseAudioFormat(raw string) (AudioFormat, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, "_")
	if idx <= 0 || idx == len(raw)-1 {
		return AudioFormat{}, fmt.Errorf("audio format %q is not <encoding>_<rate>", raw)
	}
	rate, err := strconv.Atoi(raw[idx+1:])
	if err != nil {
		return AudioFormat{}, fmt.Errorf("audio format %q has non-integer rate: %w", raw, err)
	}
	if rate <= 0 {
		return AudioFormat{}, fmt.Errorf("audio format %q has non-positive rate", raw)
	}
	return AudioFormat{Encoding: raw[:idx], SampleRateHz: rate}, nil
}

// TelephonyEvent is any frame received on the telephony leg.
type TelephonyEvent struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSID      string          `json:"streamSid,omitempty"`
	Start          *TelephonyStart `json:"start,omitempty"`
	Media          *TelephonyMedia `json:"media,omitempty"`
	Stop           *TelephonyStop  `json:"stop,omitempty"`
	Mark           *TelephonyMark  `json:"mark,omitempty"`
}

type TelephonyStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TelephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TelephonyStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type TelephonyMark struct {
	Name string `json:"name"`
}

// TelephonyMediaOut carries agent audio to the caller.
type TelephonyMediaOut struct {
	Event     string                `json:"event"`
	StreamSID string                `json:"streamSid"`
	Media     TelephonyMediaOutBody `json:"media"`
}

type TelephonyMediaOutBody struct {
	Payload string `json:"payload"`
}

// TelephonyClear asks the telephony leg to discard buffered playback.
type TelephonyClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewTelephonyMedia(streamSID, payload string) TelephonyMediaOut {
	return TelephonyMediaOut{
		Event:     TelephonyEventMedia,
		StreamSID: streamSID,
		Media:     TelephonyMediaOutBody{Payload: payload},
	}
}

func NewTelephonyClear(streamSID string) TelephonyClear {
	return TelephonyClear{Event: TelephonyEventClear, StreamSID: streamSID}
}

// AgentEvent is any frame received on the agent leg.
type AgentEvent struct {
	Type                           string                          `json:"type"`
	ConversationInitiationMetadata *ConversationInitiationMetadata `json:"conversation_initiation_metadata_event,omitempty"`
	Audio                          *AgentAudioEvent                `json:"audio_event,omitempty"`
	Interruption                   *AgentInterruptionEvent         `json:"interruption_event,omitempty"`
	Ping                           *AgentPingEvent                 `json:"ping_event,omitempty"`
	AgentResponse                  *AgentResponseEvent             `json:"agent_response_event,omitempty"`
	UserTranscript                 *UserTranscriptEvent            `json:"user_transcription_event,omitempty"`
}

type ConversationInitiationMetadata struct {
	ConversationID         string `json:"conversation_id,omitempty"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

type AgentAudioEvent struct {
	AudioBase64 string          `json:"audio_base_64"`
	EventID     json.RawMessage `json:"event_id,omitempty"`
}

type AgentInterruptionEvent struct {
	EventID json.RawMessage `json:"event_id,omitempty"`
}

type AgentPingEvent struct {
	EventID json.RawMessage `json:"event_id,omitempty"`
	PingMS  *int            `json:"ping_ms,omitempty"`
}

type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type UserTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// UserAudioChunk carries caller audio to the agent. The payload is the
// telephony base64 string, unmodified.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// AgentPong answers an agent ping. EventID is echoed with its original JSON type.
type AgentPong struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func NewAgentPong(eventID json.RawMessage) AgentPong {
	return AgentPong{Type: AgentEventPong, EventID: eventID}
}

// HasEventID reports whether raw holds a usable identifier: present, not null,
// and not an empty string.
func HasEventID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return false
		}
		return strings.TrimSpace(s) != ""
	}
	return true
}
