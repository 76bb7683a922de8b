// Package fingerprint computes the stable content hash and Message-ID header
// extraction used to deduplicate replicated messages across resyncs.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/emersion/go-message"
)

// ContentHash returns the 64-char lowercase hex SHA-256 digest of raw.
// Byte-identical inputs always produce equal outputs.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ExtractMessageID parses the headers of raw and returns the trimmed
// Message-ID header value, or "" if absent. It tolerates a malformed body
// after the header block: header extraction must never fail the pipeline.
func ExtractMessageID(raw []byte) string {
	// message.Read surfaces body-decoding errors (unknown charset, malformed
	// MIME parts) even when the headers parsed fine; an entity is still
	// returned in that case and the header lookup below is safe.
	entity, _ := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return ""
	}
	return strings.TrimSpace(entity.Header.Get("Message-Id"))
}
