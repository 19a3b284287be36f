package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed, time-ordered identifier such as
// "sale_018f2c3a9b4e6d1a0f27c5e8". Sorting ids lexicographically within a
// prefix sorts them by creation time.
func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%012x", prefix, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s_%012x%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}
