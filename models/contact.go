package models

import (
	"strings"
	"time"
)

// Contact references a peer managed outside the message model.
type Contact struct {
	ID      int64
	Address string
}

// BareAddress strips the resource part from a "user@host/resource" address.
func BareAddress(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i]
	}
	return address
}

// Transmission is one recipient leg of an outbound message.
type Transmission struct {
	ID        int64
	ContactID int64
	// Address is captured when the message is created; the contact's address
	// may change afterwards.
	Address  string
	Received time.Time
}

// IsReceived reports whether the recipient confirmed delivery.
func (t Transmission) IsReceived() bool {
	return !t.Received.IsZero()
}

// Attachment describes media linked to a message.
type Attachment struct {
	URL      string `cbor:"url"`
	MimeType string `cbor:"mime"`
	Length   int64  `cbor:"len"`
}

// Content is the user-visible payload of a message.
type Content struct {
	Text       string
	Attachment *Attachment
}

func (c Content) clone() Content {
	out := Content{Text: c.Text}
	if c.Attachment != nil {
		att := *c.Attachment
		out.Attachment = &att
	}
	return out
}
