package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewTimestampedID returns prefix_<unix millis>_<random suffix>.
func NewTimestampedID(prefix string, now time.Time) string {
	bytes := make([]byte, 5)
	_, _ = rand.Read(bytes)
	id := strconv.FormatInt(now.UnixMilli(), 10) + "_" + hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
