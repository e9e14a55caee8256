// Package envelope implements the five-field wire unit exchanged between
// peers and its strict decoder.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
)

const (
	fieldProtocol  = "protocol"
	fieldKey       = "key"
	fieldID        = "id"
	fieldData      = "data"
	fieldException = "exception"
	fieldSuppress  = "suppress_self"
)

var requiredFields = []string{fieldProtocol, fieldKey, fieldID, fieldData, fieldException}

// Envelope is one message on a channel. ID 0 means the envelope is not
// correlated with anything.
type Envelope struct {
	Protocol  Protocol
	Key       string
	ID        uint32
	Data      json.RawMessage
	Exception *string

	// SuppressSelf asks the hub not to deliver a pub_call back to its sender.
	SuppressSelf bool
}

type wireEnvelope struct {
	Protocol     Protocol        `json:"protocol"`
	Key          string          `json:"key"`
	ID           uint32          `json:"id"`
	Data         json.RawMessage `json:"data"`
	Exception    *string         `json:"exception"`
	SuppressSelf bool            `json:"suppress_self,omitempty"`
}

// New builds an envelope whose data is the JSON form of data.
func New(protocol Protocol, key string, id uint32, data any) (Envelope, error) {
	raw, err := jsoncodec.Raw(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	return Envelope{Protocol: protocol, Key: key, ID: id, Data: raw}, nil
}

// Failure builds an envelope that reports msg in its exception field.
func Failure(protocol Protocol, key string, id uint32, msg string) Envelope {
	return Envelope{Protocol: protocol, Key: key, ID: id, Exception: &msg}
}

// Failed reports whether the envelope carries an error message.
func (e Envelope) Failed() bool { return e.Exception != nil }

// Err returns the exception as a *errors.RemoteError, or nil.
func (e Envelope) Err() error {
	if e.Exception == nil {
		return nil
	}
	return errspkg.NewRemoteError(*e.Exception)
}

// Encode serializes the envelope into its wire form.
func Encode(e Envelope) ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	out, err := jsoncodec.Marshal(wireEnvelope{
		Protocol:     e.Protocol,
		Key:          e.Key,
		ID:           e.ID,
		Data:         data,
		Exception:    e.Exception,
		SuppressSelf: e.SuppressSelf,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	return out, nil
}

// Decode parses raw into an envelope. All five fields must be present and
// well typed and the protocol must be known. A boolean exception is read as
// the legacy suppress flag of pub_call.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, malformed("not an object: %v", err)
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return Envelope{}, malformed("missing field %q", name)
		}
	}

	var env Envelope
	var protocol string
	if err := jsoncodec.Unmarshal(fields[fieldProtocol], &protocol); err != nil {
		return Envelope{}, malformed("protocol is not a string")
	}
	env.Protocol = Protocol(protocol)
	if !env.Protocol.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownProtocol, protocol)
	}

	if err := jsoncodec.Unmarshal(fields[fieldKey], &env.Key); err != nil {
		return Envelope{}, malformed("key is not a string")
	}

	id, err := decodeID(fields[fieldID])
	if err != nil {
		return Envelope{}, err
	}
	env.ID = id

	env.Data = fields[fieldData]

	if err := decodeException(fields[fieldException], &env); err != nil {
		return Envelope{}, err
	}

	if suppress, ok := fields[fieldSuppress]; ok && !jsoncodec.IsNull(suppress) {
		var flag bool
		if err := jsoncodec.Unmarshal(suppress, &flag); err != nil {
			return Envelope{}, malformed("suppress_self is not a boolean")
		}
		env.SuppressSelf = env.SuppressSelf || flag
	}

	return env, nil
}

func decodeID(raw json.RawMessage) (uint32, error) {
	var n float64
	if err := jsoncodec.Unmarshal(raw, &n); err != nil {
		return 0, malformed("id is not a number")
	}
	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, malformed("id %v is out of range", n)
	}
	return uint32(n), nil
}

func decodeException(raw json.RawMessage, env *Envelope) error {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case jsoncodec.IsNull(trimmed):
		return nil
	case trimmed[0] == '"':
		var msg string
		if err := jsoncodec.Unmarshal(trimmed, &msg); err != nil {
			return malformed("exception is not a string")
		}
		env.Exception = &msg
		return nil
	case bytes.Equal(trimmed, []byte("true")):
		env.SuppressSelf = true
		return nil
	case bytes.Equal(trimmed, []byte("false")):
		return nil
	}
	return malformed("exception must be null, a string or a boolean")
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errspkg.ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}
