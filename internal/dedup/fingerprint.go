package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/gyaneshwarpardhi/npe/internal/event"
)

// Normalize folds text to NFKC lower case, drops punctuation and
// collapses whitespace, so cosmetic edits do not defeat dedup.
func Normalize(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint is the SHA-256 of the event's normalized identity:
// user, event type, title (or the caller's dedupe key) and message.
func Fingerprint(ev *event.Event) string {
	subject := Normalize(ev.Title)
	if ev.DedupeKey != "" {
		subject = ev.DedupeKey
	}
	raw := strings.Join([]string{
		ev.UserID,
		ev.EventType,
		subject,
		Normalize(ev.Message),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
