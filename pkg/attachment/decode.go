package attachment

import (
	"encoding/base64"
	"strings"

	"shiftflow/pkg/apperr"
)

// DecodedSize returns the byte length a base64 payload will decode to,
// without decoding it.
func DecodedSize(encoded string) int64 {
	encoded = stripDataURL(strings.TrimSpace(encoded))
	n := int64(len(encoded))
	if n == 0 {
		return 0
	}
	pad := int64(strings.Count(encoded[max(0, len(encoded)-2):], "="))
	return n/4*3 + (n%4)*3/4 - pad
}

// Decode validates the declared type and the decoded size against the
// ceiling before allocating, then decodes standard or unpadded base64.
// Data URLs are accepted.
func (m *Manager) Decode(encoded, mimeType string, sizeLimit int64) ([]byte, error) {
	if err := m.Validate(mimeType, max(DecodedSize(encoded), 1), sizeLimit); err != nil {
		return nil, err
	}
	payload := stripDataURL(strings.TrimSpace(encoded))
	if payload == "" {
		return nil, apperr.New(apperr.CodeInvalidPayload, where, "empty attachment")
	}
	enc := base64.StdEncoding
	if !strings.HasSuffix(payload, "=") && len(payload)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidEncoding, where, "attachment is not valid base64", err)
	}
	return data, nil
}

func stripDataURL(v string) string {
	if !strings.HasPrefix(v, "data:") {
		return v
	}
	if i := strings.Index(v, ";base64,"); i >= 0 {
		return v[i+len(";base64,"):]
	}
	return v
}
