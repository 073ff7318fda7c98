package db

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const idRandomBytes = 12

// GenerateID produces a prefixed random identifier, e.g. "usr_9f2c…".
func GenerateID(prefix string) (string, error) {
	b := make([]byte, idRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

// NewEnvelopeID synthesizes a globally unique envelope id for a message:
// sender, epoch millis, random suffix. Clients may also supply their own and
// rely on the unique index for idempotent replay.
func NewEnvelopeID(senderID string) (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", senderID, time.Now().UnixMilli(), hex.EncodeToString(b)), nil
}
