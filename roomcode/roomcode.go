// Package roomcode generates and parses the short human-friendly codes used
// to discover a room over the signaling bus.
package roomcode

import (
	"crypto/rand"
	"errors"
	"strings"
)

// alphabet is Crockford's Base32 alphabet: the letters I, L, O, U removed to
// avoid visual confusion when a code is read aloud or typed by hand.
const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ0123456789"

// Length is the canonical, separator-free length of a room code.
const Length = 8

// ErrInvalidRoomCode is returned by Parse when the input cannot be
// normalized into a valid code.
var ErrInvalidRoomCode = errors.New("roomcode: invalid room code")

// Code is a canonicalized, 8-character room code.
type Code string

// Generate draws a new code uniformly at random from the alphabet.
func Generate() (Code, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, Length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return Code(out), nil
}

// Parse strips ASCII whitespace and hyphens, upper-cases the remainder, and
// validates length and alphabet membership.
func Parse(s string) (Code, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.ToUpper(b.String())
	if len(cleaned) != Length {
		return "", ErrInvalidRoomCode
	}
	for _, r := range cleaned {
		if !strings.ContainsRune(alphabet, r) {
			return "", ErrInvalidRoomCode
		}
	}
	return Code(cleaned), nil
}

// String returns the canonical, separator-free form.
func (c Code) String() string { return string(c) }

// Display returns the grouped form with a hyphen after the fourth character.
func (c Code) Display() string {
	s := string(c)
	if len(s) != Length {
		return s
	}
	return s[:4] + "-" + s[4:]
}

// Lowercase returns the code lower-cased, as used in topic names.
func (c Code) Lowercase() string {
	return strings.ToLower(string(c))
}
