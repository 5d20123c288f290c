// Package ids provides request ID primitives (ULID and short license keys).
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Crockford base32, the alphabet ULID uses. No I, L, O, U.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps request listings in
// creation order without an extra column.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewShortKey returns a 12-char Crockford base32 key.
// Short keys are meant to be typed by humans (license lookups over support
// channels), so they avoid ambiguous characters and are case-insensitive.
func NewShortKey() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteByte(crockford[int(c)%len(crockford)])
	}
	return b.String(), nil
}

// NormalizeKey upper-cases and trims a human-typed key so lookups tolerate
// the usual copy/paste noise.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
