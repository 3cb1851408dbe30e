// Package txn correlates a spawned process's output back to the logical turn
// that produced it. A marker is injected into the prompt out of band; tools
// that echo their input (or are asked to repeat the marker) let us recover it
// from arbitrary output text.
package txn

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	markerOpen  = "[deck-txn "
	markerClose = "]"
)

var markerPattern = regexp.MustCompile(`\[deck-txn ([A-Za-z0-9._:-]+)\]`)

// Generate returns a transaction id tied to conversationID for debugging but
// unique across concurrent executions of the same conversation.
func Generate(conversationID string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Sprintf("txn.%s", suffix)
	}
	return fmt.Sprintf("%s.%s", conversationID, suffix)
}

// Inject prepends a delimited marker block to the prompt.
func Inject(prompt string, transactionID string) string {
	return markerOpen + transactionID + markerClose + "\n\n" + prompt
}

// Extract recovers a transaction id from arbitrary text. Absence is not an
// error; callers treat a false return as "no correlation available".
func Extract(text string) (string, bool) {
	match := markerPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}
