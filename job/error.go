package job

import (
	"encoding/json"
	"errors"

	"goa.design/loom/interrupt"
)

// maxStackBytes bounds the stack carried in a serialized fatal error.
const maxStackBytes = 1024

// ErrorRecord is the serialized form of a terminal or cached error, stored
// in the job-record $error field and inside replay slots. Stack is carried
// for fatal errors only, truncated to one kilobyte.
type ErrorRecord struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewErrorRecord classifies err onto the wire-code ladder and captures its
// serialized form.
func NewErrorRecord(err error) *ErrorRecord {
	rec := &ErrorRecord{Code: interrupt.ErrorCode(err), Message: err.Error()}
	var fatal *interrupt.FatalError
	if errors.As(err, &fatal) && fatal.Stack != "" {
		stack := fatal.Stack
		if len(stack) > maxStackBytes {
			stack = stack[:maxStackBytes]
		}
		rec.Stack = stack
	}
	return rec
}

// ToError reconstitutes the typed error the record was built from so replay
// raises the same kind the original invocation observed.
func (r *ErrorRecord) ToError() error {
	switch r.Code {
	case interrupt.CodeFatal:
		return &interrupt.FatalError{Message: r.Message, Stack: r.Stack}
	case interrupt.CodeTimeout:
		return &interrupt.TimeoutError{Message: r.Message}
	case interrupt.CodeMaxed:
		return &interrupt.MaxedError{Message: r.Message}
	}
	return &interrupt.RetryError{Message: r.Message}
}

// Encode serializes the record for storage.
func (r *ErrorRecord) Encode() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// DecodeErrorRecord parses a stored $error value. Returns nil when raw is
// empty or malformed.
func DecodeErrorRecord(raw string) *ErrorRecord {
	if raw == "" {
		return nil
	}
	var rec ErrorRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil
	}
	if rec.Code == 0 && rec.Message == "" {
		return nil
	}
	return &rec
}

// Slot is the JSON layout of a replay-slot value: either cached data or a
// cached error, never both.
type Slot struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorRecord    `json:"$error,omitempty"`
}

// EncodeSlotData wraps a result value into a slot payload.
func EncodeSlotData(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(Slot{Data: data})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeSlotError wraps an error into a slot payload.
func EncodeSlotError(err error) string {
	b, _ := json.Marshal(Slot{Error: NewErrorRecord(err)})
	return string(b)
}

// DecodeSlot parses a stored replay-slot value.
func DecodeSlot(raw string) (*Slot, error) {
	var s Slot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
