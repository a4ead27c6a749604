package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("network: connection closed")

// Handler receives the server events of a connection.
type Handler interface {
	OnSentAck(protocolID, correlationID string)
	OnReceived(correlationID, from string, at time.Time)
	OnServerError(protocolID, condition, text string)
	OnInbound(protocolID, from, receiptID string, date time.Time, body []byte) bool
}

// Options controls a Conn.
type Options struct {
	Account     string
	Fingerprint string
	// KeepAliveInterval between pings; zero selects the default, negative
	// disables pings.
	KeepAliveInterval time.Duration
	Log               *logging.Logger
}

// Conn is a framed session with the messaging server.
type Conn struct {
	rw        io.ReadWriteCloser
	log       *logging.Logger
	account   string
	finger    string
	keepAlive time.Duration

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established stream.
func NewConn(rw io.ReadWriteCloser, opts Options) *Conn {
	interval := opts.KeepAliveInterval
	if interval == 0 {
		interval = DefaultKeepAliveInterval
	}
	l := opts.Log
	if l == nil {
		l = logging.MustGetLogger("network")
	}
	return &Conn{
		rw:        rw,
		log:       l,
		account:   opts.Account,
		finger:    opts.Fingerprint,
		keepAlive: interval,
		closed:    make(chan struct{}),
	}
}

// Dial connects to the server over TLS and opens the session.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config, opts Options) (*Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DefaultConnectionTimeout},
		Config:    tlsConfig,
	}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return Open(nc, opts)
}

// Open exchanges hello frames on an established connection and returns the
// session. The connection is closed when the exchange fails.
func Open(nc net.Conn, opts Options) (*Conn, error) {
	c := NewConn(nc, opts)
	if err := c.Hello(); err != nil {
		_ = c.Close()
		return nil, err
	}

	payload, err := ReadControlFrameWithTimeout(nc, DefaultConnectionTimeout)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("read server hello: %w", err)
	}
	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != TypeHello {
		_ = c.Close()
		return nil, fmt.Errorf("read server hello: %w", ErrInvalidMessageType)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = c.Close()
		return nil, fmt.Errorf("server speaks version %d: %w", hello.ProtocolVersion, ErrUnsupportedVersion)
	}
	c.log.Debugf("session open with %s", hello.Account)
	return c, nil
}

// Hello announces the account to the server.
func (c *Conn) Hello() error {
	return c.write(Hello{
		Type:            TypeHello,
		Account:         c.account,
		Fingerprint:     c.finger,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
}

// Send hands one message body for address to the server.
func (c *Conn) Send(protocolID, address string, body []byte) error {
	return c.write(MessageFrame{
		Type:       TypeMessage,
		ProtocolID: protocolID,
		To:         address,
		Body:       body,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// SendReceipt confirms to the sender that a message was received.
func (c *Conn) SendReceipt(correlationID, to string) error {
	return c.write(ReceivedReceipt{
		Type:          TypeReceivedReceipt,
		CorrelationID: correlationID,
		To:            to,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (c *Conn) write(message any) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeJSON(c.rw, message)
}

// Serve reads frames and dispatches them to h until ctx is cancelled, the
// connection is closed or reading fails. Closing the connection locally
// returns nil.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closed:
		}
	}()
	if c.keepAlive > 0 {
		go c.keepAliveLoop(ctx)
	}

	for {
		payload, err := ReadFrame(c.rw)
		if err != nil {
			if c.isClosed() {
				return nil
			}
			return err
		}
		if err := c.dispatch(payload, h); err != nil {
			c.log.Warningf("dropping frame: %v", err)
		}
	}
}

func (c *Conn) dispatch(payload []byte, h Handler) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}

	switch msgType {
	case TypeMessage:
		var f MessageFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode %s frame: %w", msgType, err)
		}
		if f.ProtocolID == "" || f.From == "" {
			return fmt.Errorf("%s frame without id or sender", msgType)
		}
		if h.OnInbound(f.ProtocolID, f.From, f.ReceiptID, millis(f.Timestamp), f.Body) && f.ReceiptID != "" {
			if err := c.SendReceipt(f.ReceiptID, f.From); err != nil {
				return fmt.Errorf("confirm message %s: %w", f.ProtocolID, err)
			}
		}
	case TypeSentReceipt:
		var f SentReceipt
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode %s frame: %w", msgType, err)
		}
		h.OnSentAck(f.ProtocolID, f.CorrelationID)
	case TypeReceivedReceipt:
		var f ReceivedReceipt
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode %s frame: %w", msgType, err)
		}
		h.OnReceived(f.CorrelationID, f.From, millis(f.Timestamp))
	case TypeError:
		var f ErrorFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode %s frame: %w", msgType, err)
		}
		h.OnServerError(f.ProtocolID, f.Condition, f.Text)
	case TypePing:
		return c.write(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
	case TypePong:
		c.log.Debug("pong")
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
	return nil
}

func (c *Conn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.write(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				c.log.Warningf("keep-alive ping failed: %v", err)
				return
			}
		}
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rw.Close()
	})
	return err
}
