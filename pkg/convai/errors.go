package convai

import "fmt"

// IssuanceError is a non-2xx answer from the issuance endpoint. The agent leg
// must not be opened after one.
type IssuanceError struct {
	StatusCode int
	Body       string
}

func (e *IssuanceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("signed url issuance failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("signed url issuance failed: status %d: %s", e.StatusCode, e.Body)
}

// MalformedResponseError is a 2xx issuance answer without a usable signed URL.
type MalformedResponseError struct {
	Field string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed issuance response (%s): %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed issuance response: missing %s", e.Field)
}

func (e *MalformedResponseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
