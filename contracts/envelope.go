package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyPayload is returned when there are no bytes to decode
	ErrEmptyPayload = errors.New("contracts: empty payload")
	// ErrEmptyBody is returned when a decoded envelope carries no body
	ErrEmptyBody = errors.New("contracts: envelope body is empty")
)

// Header identifies one message
type Header struct {
	ExecutionID uuid.UUID `json:"executionId"`
	CorrelateID uuid.UUID `json:"correlateId"`
	Timestamp   int64     `json:"timestamp"`
}

// Envelope wraps every payload carried on the broker. Body and Footer are
// carried as compact JSON: Encode compacts them and Decode returns them
// compacted, so envelopes built by NewEnvelope or Decode survive a round trip
// byte for byte.
type Envelope struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
	Footer json.RawMessage `json:"footer,omitempty"`
}

// DecodeError reports a payload that is not a valid envelope
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("contracts: cannot decode %d byte envelope: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewEnvelope creates an envelope around body with a fresh execution id
func NewEnvelope(body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("contracts: failed to marshal body: %w", err)
	}

	return Envelope{
		Header: Header{
			ExecutionID: uuid.New(),
			Timestamp:   time.Now().Unix(),
		},
		Body: raw,
	}, nil
}

// Encode serializes an envelope to JSON
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("contracts: failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope. Empty input, invalid JSON and envelopes
// without a body are rejected.
func Decode(data []byte) (Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, ErrEmptyPayload
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Size: len(data), Err: err}
	}

	if isEmptyJSON(env.Body) {
		return Envelope{}, ErrEmptyBody
	}

	body, err := compactJSON(env.Body)
	if err != nil {
		return Envelope{}, &DecodeError{Size: len(data), Err: err}
	}
	env.Body = body

	if len(env.Footer) > 0 {
		footer, err := compactJSON(env.Footer)
		if err != nil {
			return Envelope{}, &DecodeError{Size: len(data), Err: err}
		}
		env.Footer = footer
	}

	return env, nil
}

// DecodeBody unmarshals the envelope body into v
func DecodeBody(env Envelope, v any) error {
	if isEmptyJSON(env.Body) {
		return ErrEmptyBody
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return &DecodeError{Size: len(env.Body), Err: err}
	}
	return nil
}

// IsInvalid reports whether err came from decoding an unusable payload
func IsInvalid(err error) bool {
	var decodeErr *DecodeError
	return errors.Is(err, ErrEmptyPayload) || errors.Is(err, ErrEmptyBody) || errors.As(err, &decodeErr)
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
