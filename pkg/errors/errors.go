package errors

import "fmt"

// Kind classifies a relay failure for HTTP status mapping and for the
// forwarder wire format.
type Kind string

const (
	KindAuthDenied          Kind = "auth_denied"
	KindNotFound            Kind = "not_found"
	KindBadRequest          Kind = "bad_request"
	KindTimeout             Kind = "timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps an error kind to the status the edge writes.
func HTTPStatus(k Kind) int {
	switch k {
	case KindAuthDenied:
		return 401
	case KindNotFound:
		return 404
	case KindBadRequest:
		return 400
	case KindTimeout:
		return 408
	case KindUpstreamUnavailable:
		return 502
	default:
		return 500
	}
}

// KindFromString parses a kind carried on the forwarder wire. Unrecognized
// values classify as Internal.
func KindFromString(s string) Kind {
	switch Kind(s) {
	case KindAuthDenied, KindNotFound, KindBadRequest, KindTimeout, KindUpstreamUnavailable, KindInternal:
		return Kind(s)
	default:
		return KindInternal
	}
}

// New builds an error of the given kind with a fixed message, for errors
// that arrive over the forwarder wire already classified.
func New(k Kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return string(e.kind)
}

func (e *kindError) Kind() Kind { return e.kind }

// KindOf extracts the Kind from any error produced by the relay core.
// Unknown errors classify as Internal.
func KindOf(err error) Kind {
	if k, ok := err.(interface{ Kind() Kind }); ok {
		return k.Kind()
	}
	return KindInternal
}

type AuthDenied struct {
	ClientId string
}

func (e *AuthDenied) Error() string {
	return fmt.Sprintf("API key is not authorized for client %s", e.ClientId)
}

func (e *AuthDenied) Kind() Kind { return KindAuthDenied }

type ClientNotFound struct {
	ClientId string
}

func (e *ClientNotFound) Error() string {
	return "Invalid client ID"
}

func (e *ClientNotFound) Kind() Kind { return KindNotFound }

type RequestTimeout struct {
	RequestId string
}

func (e *RequestTimeout) Error() string {
	return "Request timed out"
}

func (e *RequestTimeout) Kind() Kind { return KindTimeout }

type UpstreamUnavailable struct {
	ClientId string
	Cause    string
}

func (e *UpstreamUnavailable) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("Client %s is unavailable: %s", e.ClientId, e.Cause)
	}
	return fmt.Sprintf("Client %s is unavailable", e.ClientId)
}

func (e *UpstreamUnavailable) Kind() Kind { return KindUpstreamUnavailable }

type BadRequest struct {
	Reason string
}

func (e *BadRequest) Error() string {
	return e.Reason
}

func (e *BadRequest) Kind() Kind { return KindBadRequest }

type UnknownRequestType struct {
	Type string
}

func (e *UnknownRequestType) Error() string {
	return fmt.Sprintf("Unknown request type %q", e.Type)
}

func (e *UnknownRequestType) Kind() Kind { return KindBadRequest }

type DuplicateRequestId struct {
	RequestId string
}

func (e *DuplicateRequestId) Error() string {
	return fmt.Sprintf("Request ID collision for %q", e.RequestId)
}

func (e *DuplicateRequestId) Kind() Kind { return KindInternal }

// PeerError wraps an error string reported by the peer itself in a
// response message.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return e.Message
}

func (e *PeerError) Kind() Kind { return KindBadRequest }
