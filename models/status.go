package models

import (
	"fmt"
	"sort"
)

// Status is the delivery state of a message.
type Status string

const (
	// StatusIn marks every inbound message.
	StatusIn Status = "in"
	// StatusPending is an outbound message not yet acknowledged by the server.
	StatusPending Status = "pending"
	// StatusSent is an outbound message acknowledged by the server.
	StatusSent Status = "sent"
	// StatusReceived is derived once every recipient confirmed delivery.
	StatusReceived Status = "received"
	// StatusError is an outbound message the server rejected.
	StatusError Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIn, StatusPending, StatusSent, StatusReceived, StatusError:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// rank orders outbound states for aggregation. Unknown states rank lowest.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusReceived:
		return 2
	default:
		return 0
	}
}

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// Encryption is the encryption state of message content.
type Encryption string

const (
	EncryptionNot                 Encryption = "not"
	EncryptionEncrypted           Encryption = "encrypted"
	EncryptionDecrypted           Encryption = "decrypted"
	EncryptionDecryptedWithErrors Encryption = "decrypted_with_errors"
)

// Signing is the signature state of message content.
type Signing string

const (
	SigningNot      Signing = "not"
	SigningSigned   Signing = "signed"
	SigningVerified Signing = "verified"
)

// CoderError identifies one failure reported by the encryption layer.
type CoderError string

const (
	CoderErrorUnknown           CoderError = "unknown"
	CoderErrorKeyUnavailable    CoderError = "key_unavailable"
	CoderErrorInvalidPrivateKey CoderError = "invalid_private_key"
	CoderErrorInvalidData       CoderError = "invalid_data"
	CoderErrorInvalidSignature  CoderError = "invalid_signature"
	CoderErrorUnknownSigner     CoderError = "unknown_signer"
)

// CoderStatus is the encryption and signing state attached to a message,
// independent of its delivery status.
type CoderStatus struct {
	Encryption Encryption
	Signing    Signing
	Errors     []CoderError
}

// ToEncrypt is the initial coder status of an outbound message that will be
// encrypted and signed on dispatch.
func ToEncrypt() CoderStatus {
	return CoderStatus{Encryption: EncryptionDecrypted, Signing: SigningSigned}
}

// Insecure is the coder status of plaintext content.
func Insecure() CoderStatus {
	return CoderStatus{Encryption: EncryptionNot, Signing: SigningNot}
}

// WithError returns a copy of c including code. The error set stays sorted
// and free of duplicates.
func (c CoderStatus) WithError(code CoderError) CoderStatus {
	out := c.clone()
	for _, e := range out.Errors {
		if e == code {
			return out
		}
	}
	out.Errors = append(out.Errors, code)
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i] < out.Errors[j] })
	return out
}

// HasErrors reports whether any coder error is recorded.
func (c CoderStatus) HasErrors() bool {
	return len(c.Errors) > 0
}

// IsSecure reports whether the content was or will be encrypted.
func (c CoderStatus) IsSecure() bool {
	return c.Encryption != EncryptionNot
}

func (c CoderStatus) String() string {
	return fmt.Sprintf("encryption=%s signing=%s errors=%v", c.Encryption, c.Signing, c.Errors)
}

func (c CoderStatus) clone() CoderStatus {
	out := c
	if c.Errors != nil {
		out.Errors = append([]CoderError(nil), c.Errors...)
	}
	return out
}

// ServerError is a delivery error reported by the server for a message.
type ServerError struct {
	Condition string
	Text      string
}
