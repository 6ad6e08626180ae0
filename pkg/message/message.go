package message

import (
	"encoding/json"
	"fmt"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
)

// DefaultMaxMessageSize bounds a single inbound frame (250 MiB). Sheet HTML
// and file downloads can get big; anything past this is refused outright.
const DefaultMaxMessageSize = 250 << 20

// Envelope is one wire message in either direction: a JSON object with at
// minimum a "type" field. All other fields are payload and pass through the
// relay untouched.
type Envelope map[string]interface{}

func (e Envelope) Type() string {
	t, _ := e["type"].(string)
	return t
}

func (e Envelope) RequestId() string {
	r, _ := e["requestId"].(string)
	return r
}

// ErrorField returns the peer-reported error string, if any.
func (e Envelope) ErrorField() (string, bool) {
	v, ok := e["error"]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	if s == "" {
		s = fmt.Sprintf("%v", v)
	}
	return s, true
}

type OversizeMessage struct {
	Size int
	Max  int
}

func (e *OversizeMessage) Error() string {
	return fmt.Sprintf("Message of %d bytes exceeds the %d byte limit", e.Size, e.Max)
}

// Parse decodes a single text frame. maxSize <= 0 applies the default limit.
func Parse(data []byte, maxSize int) (Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if len(data) > maxSize {
		return nil, &OversizeMessage{Size: len(data), Max: maxSize}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type() == "" {
		return nil, &errors.BadRequest{Reason: "message has no type"}
	}
	return env, nil
}

// Serialize encodes an envelope as a single text frame.
func Serialize(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Compose builds an outbound request frame: the payload fields spread at the
// top level, then type and requestId stamped over them.
func Compose(reqType, requestId string, payload map[string]interface{}) Envelope {
	env := make(Envelope, len(payload)+2)
	for k, v := range payload {
		env[k] = v
	}
	env["type"] = reqType
	env["requestId"] = requestId
	return env
}

var sensitiveKeys = map[string]struct{}{
	"privateKey": {},
	"apiKey":     {},
	"password":   {},
}

// Sanitize strips known-sensitive keys from a response body, recursing into
// nested objects and arrays. The input is not modified.
func Sanitize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if _, bad := sensitiveKeys[k]; bad {
				continue
			}
			out[k] = Sanitize(inner)
		}
		return out
	case Envelope:
		return Sanitize(map[string]interface{}(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Sanitize(inner)
		}
		return out
	default:
		return v
	}
}
