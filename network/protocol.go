package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds frames that never carry message bodies.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial and TLS handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
)

const (
	TypeHello           = "hello"
	TypeMessage         = "message"
	TypeSentReceipt     = "sent"
	TypeReceivedReceipt = "received"
	TypeError           = "error"
	TypePing            = "ping"
	TypePong            = "pong"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens a session. The client names its account, the server answers
// with its own hello.
type Hello struct {
	Type            string `json:"type"`
	Account         string `json:"account"`
	Fingerprint     string `json:"fingerprint"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// MessageFrame carries one message body between the client and the server.
// Outbound frames name the recipient in To, inbound frames the sender in
// From.
type MessageFrame struct {
	Type       string `json:"type"`
	ProtocolID string `json:"id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	ReceiptID  string `json:"receipt_id,omitempty"`
	Body       []byte `json:"body"`
	Timestamp  int64  `json:"timestamp"`
}

// SentReceipt is the server acknowledgment of an outbound message. The
// correlation id is repeated by the receipts of its recipients.
type SentReceipt struct {
	Type          string `json:"type"`
	ProtocolID    string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     int64  `json:"timestamp"`
}

// ReceivedReceipt reports that From got the message with CorrelationID.
type ReceivedReceipt struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// ErrorFrame reports a server-side delivery error for a message.
type ErrorFrame struct {
	Type       string `json:"type"`
	ProtocolID string `json:"id"`
	Condition  string `json:"condition"`
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, MaxFrameSize)
}

// ReadControlFrame reads one frame no larger than MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, MaxControlFrameSize)
}

func readFrame(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadControlFrameWithTimeout reads a control frame, failing when none
// arrives within timeout.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	return ReadControlFrame(conn)
}

// writeJSON encodes message and writes it as one frame.
func writeJSON(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func millis(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
