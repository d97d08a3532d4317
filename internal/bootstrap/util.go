package bootstrap

import (
	"strings"
	"time"
)

// fieldsOf splits a whitespace-separated command string, e.g. "node
// server.js --port 8080", the way a shell would for the simple case of no
// quoting.
func fieldsOf(s string) []string {
	return strings.Fields(s)
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
