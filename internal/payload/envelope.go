package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	fieldHeaders       = "headers"
	fieldPayload       = "payload"
	fieldPayloadObject = "payloadObject"
	fieldPayloadString = "payloadString"
)

var ErrInvalidEnvelope = errors.New("payload: invalid envelope")

// Header is one (key, value) pair. On the wire it is a two element JSON array.
type Header struct {
	Key   string
	Value string
}

func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.Key, h.Value})
}

func (h *Header) UnmarshalJSON(b []byte) error {
	parsed, err := parseHeader(gjson.ParseBytes(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Envelope is the structured form of a queued request: ordered headers plus
// at most one active payload representation.
//
// Payload is the binary wire form (base64 in JSON). PayloadObject and
// PayloadString are the client-facing inline forms.
type Envelope struct {
	Headers       []Header
	Payload       []byte
	PayloadObject json.RawMessage
	PayloadString *string
}

// Header returns the value of the first header matching key case-insensitively.
func (e Envelope) Header(key string) (string, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	headers := e.Headers
	if headers == nil {
		headers = []Header{}
	}
	hb, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"headers":`)
	buf.Write(hb)
	if e.Payload != nil {
		buf.WriteString(`,"payload":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(e.Payload))
		buf.WriteByte('"')
	}
	if len(e.PayloadObject) > 0 {
		buf.WriteString(`,"payloadObject":`)
		buf.Write(e.PayloadObject)
	}
	if e.PayloadString != nil {
		sb, err := json.Marshal(*e.PayloadString)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"payloadString":`)
		buf.Write(sb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	parsed, err := parseEnvelope(b)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func parseEnvelope(doc []byte) (Envelope, error) {
	if !gjson.ValidBytes(doc) {
		return Envelope{}, fmt.Errorf("%w: malformed json", ErrInvalidEnvelope)
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("%w: envelope must be a json object", ErrInvalidEnvelope)
	}

	var env Envelope
	headers := root.Get(fieldHeaders)
	if !headers.IsArray() {
		return Envelope{}, fmt.Errorf("%w: headers must be an array", ErrInvalidEnvelope)
	}
	env.Headers = []Header{}
	for _, raw := range headers.Array() {
		h, err := parseHeader(raw)
		if err != nil {
			return Envelope{}, err
		}
		env.Headers = append(env.Headers, h)
	}

	if p := root.Get(fieldPayload); p.Exists() && p.Type != gjson.Null {
		if p.Type != gjson.String {
			return Envelope{}, fmt.Errorf("%w: payload must be base64 text", ErrInvalidEnvelope)
		}
		raw, err := base64.StdEncoding.DecodeString(p.Str)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: payload is not valid base64", ErrInvalidEnvelope)
		}
		if raw == nil {
			raw = []byte{}
		}
		env.Payload = raw
	}
	if o := root.Get(fieldPayloadObject); o.Exists() && o.Type != gjson.Null {
		env.PayloadObject = json.RawMessage(o.Raw)
	}
	if s := root.Get(fieldPayloadString); s.Exists() && s.Type != gjson.Null {
		if s.Type != gjson.String {
			return Envelope{}, fmt.Errorf("%w: payloadString must be a string", ErrInvalidEnvelope)
		}
		v := s.Str
		env.PayloadString = &v
	}
	return env, nil
}

func parseHeader(raw gjson.Result) (Header, error) {
	if !raw.IsArray() {
		return Header{}, fmt.Errorf("%w: header must be a [key, value] array", ErrInvalidEnvelope)
	}
	pair := raw.Array()
	if len(pair) != 2 || pair[0].Type != gjson.String || pair[1].Type != gjson.String {
		return Header{}, fmt.Errorf("%w: header must be a [key, value] array of strings", ErrInvalidEnvelope)
	}
	return Header{Key: pair[0].Str, Value: pair[1].Str}, nil
}
