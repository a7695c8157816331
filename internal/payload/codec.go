package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nuetzliches/quegate/internal/httpheader"
)

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"
)

// Encode turns a client envelope into its wire form. An inline object wins
// over an inline string; either one becomes the UTF-8 binary payload. An
// existing Content-Length header is rewritten in place to the binary length,
// a missing one is not added.
func (e Envelope) Encode() (Envelope, error) {
	out := Envelope{Payload: e.Payload}

	var text *string
	switch {
	case len(e.PayloadObject) > 0 && !isJSONNull(e.PayloadObject):
		compact, err := compactObject(e.PayloadObject)
		if err != nil {
			return Envelope{}, err
		}
		text = &compact
	case e.PayloadString != nil:
		text = e.PayloadString
	}
	if text != nil {
		out.Payload = []byte(*text)
	}

	length := strconv.Itoa(len(out.Payload))
	out.Headers = make([]Header, 0, len(e.Headers))
	for _, h := range e.Headers {
		if err := httpheader.Validate(h.Key, h.Value); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if strings.EqualFold(h.Key, headerContentLength) {
			h.Value = length
		}
		out.Headers = append(out.Headers, h)
	}
	return out, nil
}

// Decode inflates a textual binary payload back to its inline form. Only the
// first Content-Type header is consulted; when it names text/ or
// application/json content the payload becomes payloadObject if it parses as
// a JSON object and payloadString otherwise. Non-textual or non UTF-8
// payloads stay binary. Headers are never touched.
func (e Envelope) Decode() Envelope {
	ct, ok := e.Header(headerContentType)
	if !ok || !isTextualContentType(ct) {
		return e
	}
	if e.Payload == nil || !utf8.Valid(e.Payload) {
		return e
	}

	out := Envelope{Headers: e.Headers}
	if isJSONObject(e.Payload) {
		out.PayloadObject = json.RawMessage(append([]byte(nil), e.Payload...))
	} else {
		s := string(e.Payload)
		out.PayloadString = &s
	}
	return out
}

// EncodeDocument applies Encode to a raw JSON envelope document. Fields other
// than headers and the payload fields keep their value and position.
func EncodeDocument(doc []byte) ([]byte, error) {
	env, err := parseEnvelope(doc)
	if err != nil {
		return nil, err
	}
	enc, err := env.Encode()
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), doc...)
	if env.PayloadString != nil || len(env.PayloadObject) > 0 {
		if enc.Payload != nil {
			out, err = sjson.SetBytes(out, fieldPayload, base64.StdEncoding.EncodeToString(enc.Payload))
			if err != nil {
				return nil, err
			}
		}
		for _, field := range []string{fieldPayloadString, fieldPayloadObject} {
			if out, err = sjson.DeleteBytes(out, field); err != nil {
				return nil, err
			}
		}
	}
	headers, err := json.Marshal(enc.Headers)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(out, fieldHeaders, headers)
}

// DecodeDocument applies Decode to a raw JSON envelope document.
func DecodeDocument(doc []byte) ([]byte, error) {
	env, err := parseEnvelope(doc)
	if err != nil {
		return nil, err
	}
	dec := env.Decode()
	if env.Payload == nil || dec.Payload != nil {
		return doc, nil
	}

	out := append([]byte(nil), doc...)
	switch {
	case len(dec.PayloadObject) > 0:
		out, err = sjson.SetRawBytes(out, fieldPayloadObject, dec.PayloadObject)
	case dec.PayloadString != nil:
		out, err = sjson.SetBytes(out, fieldPayloadString, *dec.PayloadString)
	}
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(out, fieldPayload)
}

func isTextualContentType(v string) bool {
	return strings.Contains(v, "text/") || strings.Contains(v, "application/json")
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isJSONObject(b []byte) bool {
	return gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject()
}

func compactObject(raw json.RawMessage) (string, error) {
	if !isJSONObject(raw) {
		return "", fmt.Errorf("%w: payloadObject must be a json object", ErrInvalidEnvelope)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return buf.String(), nil
}
