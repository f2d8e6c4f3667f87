// Package wire defines the inter-node message envelope and its framing on
// the wire: one newline-terminated JSON record per message.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status values carried in Metadata.Status on response envelopes.
const (
	StatusOK      = "OK"
	StatusError   = "error"
	StatusPartial = "partial"
)

// Header identifies the message type and the logical endpoints involved.
type Header struct {
	Type string `json:"type"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
}

// Metadata carries message identity, timing, and (on responses) outcome.
type Metadata struct {
	MsgID     string `json:"msg_id"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Envelope is the transport-level record exchanged between nodes.
type Envelope struct {
	Header   Header                 `json:"header"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata Metadata               `json:"metadata"`
}

// New builds a request envelope of the given type, minting a fresh message id.
func New(typ, src, dst string, payload map[string]interface{}) *Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Envelope{
		Header:  Header{Type: typ, Src: src, Dst: dst},
		Payload: payload,
		Metadata: Metadata{
			MsgID:     uuid.NewString(),
			Timestamp: time.Now().Unix(),
		},
	}
}

// Reply builds a response envelope addressed back to req's source, carrying
// its own message id but referencing req's type with an "_ACK" suffix.
func Reply(req *Envelope, status, message string, payload map[string]interface{}) *Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Envelope{
		Header: Header{Type: req.Header.Type + "_ACK", Src: req.Header.Dst, Dst: req.Header.Src},
		Payload: payload,
		Metadata: Metadata{
			MsgID:     uuid.NewString(),
			Timestamp: time.Now().Unix(),
			Status:    status,
			Message:   message,
		},
	}
}

// OK is a convenience wrapper for Reply with StatusOK.
func OK(req *Envelope, payload map[string]interface{}) *Envelope {
	return Reply(req, StatusOK, "", payload)
}

// Err is a convenience wrapper for Reply with StatusError.
func Err(req *Envelope, err error) *Envelope {
	return Reply(req, StatusError, err.Error(), nil)
}

// Encode writes the envelope as a single JSON line terminated by '\n'.
func (e *Envelope) Encode(w *bufio.Writer) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// Decode reads a single newline-terminated JSON record and parses it.
func Decode(r *bufio.Reader) (*Envelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	var e Envelope
	if jerr := json.Unmarshal(line, &e); jerr != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", jerr)
	}
	return &e, nil
}

// IsOK reports whether a response envelope indicates success.
func (e *Envelope) IsOK() bool {
	return e != nil && e.Metadata.Status == StatusOK
}

// StringField reads a string payload field, returning "" if absent or of the wrong type.
func (e *Envelope) StringField(key string) string {
	v, ok := e.Payload[key].(string)
	if !ok {
		return ""
	}
	return v
}
