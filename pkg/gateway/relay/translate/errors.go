package translate

import (
	"fmt"
	"strings"
)

// Leg names the side of a relayed call a frame arrived on.
type Leg string

const (
	LegTelephony Leg = "telephony"
	LegAgent     Leg = "agent"
)

// MalformedEventError reports a frame that could not be translated: invalid JSON,
// a missing required field, or a value that fails to parse. The frame is dropped;
// the session continues.
type MalformedEventError struct {
	Leg    Leg
	Event  string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "malformed %s event", e.Leg)
	if e.Event != "" {
		fmt.Fprintf(&b, " %q", e.Event)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MalformedEventError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FormatParseError reports an agent audio format string that is not
// <encoding>_<integer rate>. It is delivered wrapped in a MalformedEventError.
type FormatParseError struct {
	Format string
	Err    error
}

func (e *FormatParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("parse audio format %q: %v", e.Format, e.Err)
}

func (e *FormatParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProtocolViolationError reports an agent event that arrived before the session
// could act on it, such as audio before the telephony stream is bound.
type ProtocolViolationError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolViolationError) Error() string {
	if e == nil {
		return ""
	}
	reason := e.Reason
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	return fmt.Sprintf("protocol violation on %q: %s", e.Event, reason)
}

func (e *ProtocolViolationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func malformed(leg Leg, event, reason string) *MalformedEventError {
	return &MalformedEventError{Leg: leg, Event: event, Reason: reason}
}
