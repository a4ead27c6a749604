package delivery

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"securechat/models"
)

var envelopePrefix = []byte("-----BEGIN PGP MESSAGE")

// payload is the plaintext body carried by every message.
type payload struct {
	Text       string             `cbor:"text,omitempty"`
	Attachment *models.Attachment `cbor:"att,omitempty"`
}

func encodePayload(c models.Content) ([]byte, error) {
	return cbor.Marshal(payload{Text: c.Text, Attachment: c.Attachment})
}

func decodePayload(b []byte) (models.Content, error) {
	var p payload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return models.Content{}, err
	}
	return models.Content{Text: p.Text, Attachment: p.Attachment}, nil
}

// isEnvelope reports whether body is an armored OpenPGP message.
func isEnvelope(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), envelopePrefix)
}
