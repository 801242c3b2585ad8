package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeChunkRequest  MessageType = "chunk-request"
	TypeChunkResponse MessageType = "chunk-response"
	TypeChunkSeed     MessageType = "chunk-seed"
	TypePing          MessageType = "ping"
)

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrMissingField   = errors.New("missing required field")
	ErrUnexpectedType = errors.New("unexpected message type")
)

// Envelope is the unit delivered between peers. Binary fields inside the
// payload travel base64 encoded, which encoding/json does for []byte.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}

	return Envelope{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}

	return nil
}

// Size is the encoded payload length in bytes.
func (e Envelope) Size() int {
	return len(e.Payload)
}

func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}

	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type", ErrMissingField)
	}

	return e, nil
}

type ChunkRequest struct {
	RequestID  string `json:"requestId"`
	FileID     string `json:"fileId"`
	ChunkIndex uint32 `json:"chunkIndex"`
	Timestamp  int64  `json:"timestamp"`
}

type ChunkResponse struct {
	RequestID  string `json:"requestId"`
	FileID     string `json:"fileId"`
	ChunkIndex uint32 `json:"chunkIndex"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

// Validate reports payloads that cannot be turned into a chunk record.
func (r ChunkResponse) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("%w: requestId", ErrMissingField)
	case r.FileID == "":
		return fmt.Errorf("%w: fileId", ErrMissingField)
	case len(r.Ciphertext) == 0:
		return fmt.Errorf("%w: ciphertext", ErrMissingField)
	case len(r.Nonce) == 0:
		return fmt.Errorf("%w: nonce", ErrMissingField)
	}

	return nil
}

type ChunkSeed struct {
	FileID     string `json:"fileId"`
	ChunkIndex uint32 `json:"chunkIndex"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

func (s ChunkSeed) Validate() error {
	switch {
	case s.FileID == "":
		return fmt.Errorf("%w: fileId", ErrMissingField)
	case len(s.Ciphertext) == 0:
		return fmt.Errorf("%w: ciphertext", ErrMissingField)
	case len(s.Nonce) == 0:
		return fmt.Errorf("%w: nonce", ErrMissingField)
	}

	return nil
}

type Ping struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}

// Timestamp returns t in the millisecond resolution used on the wire.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// RequestIDOf extracts just the request ID from a response payload, so a
// response whose body is otherwise malformed can still be matched to its
// pending request.
func RequestIDOf(e Envelope) (string, error) {
	if e.Type != TypeChunkResponse {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedType, e.Type)
	}

	var head struct {
		RequestID string `json:"requestId"`
	}
	if err := e.Decode(&head); err != nil {
		return "", err
	}

	if head.RequestID == "" {
		return "", fmt.Errorf("%w: requestId", ErrMissingField)
	}

	return head.RequestID, nil
}
