package util

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
)

// NewNodeID names a relay process on the broker: the host name, when there
// is one, followed by a random suffix so two processes on one host differ.
func NewNodeID() string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	host, err := os.Hostname()
	host = strings.TrimSpace(strings.ToLower(host))
	if err != nil || host == "" {
		return "node-" + hex.EncodeToString(suffix)
	}
	return host + "-" + hex.EncodeToString(suffix)
}
