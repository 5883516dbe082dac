package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func redactEntry(e Entry, salt []byte) Entry {
	if e.ActorAddr != "" {
		e.ActorAddr = hashString(e.ActorAddr, salt)
	}
	return e
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
