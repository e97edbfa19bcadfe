// Package decoder converts raw status frames into the typed status model.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/woozymasta/se4watch/internal/models"
)

// maxPayload limits how much of a bad frame is kept in a DecodeError.
const maxPayload = 256

var (
	// ErrEmptyFrame is returned for frames with no content.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrNotObject is returned for frames that are valid JSON but not an object.
	ErrNotObject = errors.New("frame is not a JSON object")
)

// DecodeError carries the offending payload (truncated) and the parse failure.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode status frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder is a stateless status codec. The zero value is ready to use.
type Decoder struct{}

// New returns a Decoder.
func New() Decoder {
	return Decoder{}
}

// Decode parses one status frame. Partial frames (missing sub-objects) are valid.
// Any failure is returned as *DecodeError; Decode never panics on bad input.
func (Decoder) Decode(raw []byte) (status *models.ServerStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = nil
			err = &DecodeError{Payload: truncate(raw), Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Payload: truncate(raw), Err: ErrEmptyFrame}
	}
	if trimmed[0] != '{' {
		return nil, &DecodeError{Payload: truncate(raw), Err: ErrNotObject}
	}

	var s models.ServerStatus
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, &DecodeError{Payload: truncate(raw), Err: err}
	}

	return &s, nil
}

// Encode marshals a status back to JSON.
func (Decoder) Encode(status *models.ServerStatus) ([]byte, error) {
	if status == nil {
		return nil, errors.New("encode status: nil status")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}

	return data, nil
}

func truncate(raw []byte) string {
	if len(raw) <= maxPayload {
		return string(raw)
	}

	cut := maxPayload
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}

	return string(raw[:cut]) + "..."
}
