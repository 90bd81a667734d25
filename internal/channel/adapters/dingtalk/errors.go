package dingtalk

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every error surfaced by this package matches exactly one
// of them under errors.Is.
var (
	ErrConfig     = errors.New("dingtalk config error")
	ErrConnection = errors.New("dingtalk connection error")
	ErrProtocol   = errors.New("dingtalk protocol error")
	ErrMediaFetch = errors.New("dingtalk media fetch error")
	ErrDelivery   = errors.New("dingtalk delivery error")
)

// MissingCredentialsError reports an account whose credentials are incomplete
// after resolution. It is fatal at startup and never retried.
type MissingCredentialsError struct {
	AccountID string
	Missing   []string
	Available []string
}

func (e *MissingCredentialsError) Error() string {
	msg := fmt.Sprintf("dingtalk account %q is missing %s", e.AccountID, strings.Join(e.Missing, ", "))
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available accounts: %s)", strings.Join(e.Available, ", "))
	}
	return msg
}

func (e *MissingCredentialsError) Unwrap() error { return ErrConfig }

// ConnectionError reports a failure to open or keep the stream connection.
type ConnectionError struct {
	AccountID string
	Phase     string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dingtalk stream %s failed for account %q: %v", e.Phase, e.AccountID, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ProtocolError reports a frame or payload that could not be interpreted. The
// session logs it and keeps reading.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dingtalk protocol: %s: %v", e.Reason, e.Err)
	}
	return "dingtalk protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// UnsupportedMessageError reports a well-formed message of a type the bridge
// does not handle.
type UnsupportedMessageError struct {
	MsgType string
}

func (e *UnsupportedMessageError) Error() string {
	return fmt.Sprintf("dingtalk protocol: unsupported message type %q", e.MsgType)
}

func (e *UnsupportedMessageError) Unwrap() error { return ErrProtocol }

// MediaFetchError reports a failed media download. The normalizer degrades it
// to a placeholder body.
type MediaFetchError struct {
	Op  string
	Err error
}

func (e *MediaFetchError) Error() string {
	return fmt.Sprintf("dingtalk media %s: %v", e.Op, e.Err)
}

func (e *MediaFetchError) Unwrap() []error { return []error{ErrMediaFetch, e.Err} }

// DeliveryError reports a rejected outbound call. StatusCode and Body carry
// the upstream response verbatim when one was received.
type DeliveryError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dingtalk %s failed: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("dingtalk %s failed: %d %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("dingtalk %s failed: %s", e.Op, e.Body)
	}
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDelivery}
	}
	return []error{ErrDelivery, e.Err}
}
