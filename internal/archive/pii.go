package archive

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Australian mobiles and landlines in local or +61 form, plus E.164.
	phoneRe = regexp.MustCompile(`(\+61\s?\d(?:[\s-]?\d){8}|\b0[2-478](?:[\s-]?\d){8}\b|\+[1-9]\d{7,14})`)
)

// HashID returns the hex-encoded SHA-256 hash of an identifier.
func HashID(id string) string {
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", h)
}

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
// Names are kept; symptoms are the point of the transcript.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// ScrubTurns applies PII scrubbing to all turns in-place.
func ScrubTurns(turns []Turn) {
	for i := range turns {
		turns[i].Content = ScrubPII(turns[i].Content)
	}
}
