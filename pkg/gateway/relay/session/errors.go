package session

import (
	"errors"
	"fmt"

	"github.com/vango-go/callbridge/pkg/convai"
	"github.com/vango-go/callbridge/pkg/gateway/relay/translate"
)

// ErrCanceled is the stop cause recorded when a session is canceled by its
// owner (shutdown or parent context).
var ErrCanceled = errors.New("session canceled")

// ConnectionError is a failure to open, read, or write one of the two legs.
// It always ends the session.
type ConnectionError struct {
	Leg translate.Leg
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s leg %s failed", e.Leg, e.Op)
	}
	return fmt.Sprintf("%s leg %s failed: %v", e.Leg, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// EndOfStream is a clean end of a leg: a telephony "stop" event or a close
// frame from either peer.
type EndOfStream struct {
	Leg    translate.Leg
	Reason string
}

func (e *EndOfStream) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s leg ended: %s", e.Leg, e.Reason)
}

// IsFatal reports whether err ends a session in the Error state. Frame level
// translation errors and clean endings are not fatal.
func IsFatal(err error) bool {
	if err == nil || isClean(err) {
		return false
	}
	var (
		malformed *translate.MalformedEventError
		format    *translate.FormatParseError
		violation *translate.ProtocolViolationError
	)
	if errors.As(err, &malformed) || errors.As(err, &format) || errors.As(err, &violation) {
		return false
	}
	return true
}

func isClean(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return true
	}
	var eos *EndOfStream
	return errors.As(err, &eos)
}

// issuanceFailure reports whether err came from the signed URL issuer rather
// than the transport.
func issuanceFailure(err error) bool {
	var (
		issuance  *convai.IssuanceError
		malformed *convai.MalformedResponseError
	)
	return errors.As(err, &issuance) || errors.As(err, &malformed)
}
