package crypto

import (
	"encoding/hex"
	"strings"
)

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// FormatFingerprintBytes formats a raw fingerprint for display.
func FormatFingerprintBytes(fp []byte) string {
	return FormatFingerprint(hex.EncodeToString(fp))
}
