// Package identity derives the public lookup token for a client's national ID.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// TokenLength is the length in characters of every derived token.
const TokenLength = sha256.Size * 2

var ErrInvalidArgument = errors.New("document is required")

// DeriveToken returns the lowercase hex SHA-256 of document. The input is
// hashed as given; callers normalize first so that repeat lookups agree.
func DeriveToken(document string) (string, error) {
	if document == "" {
		return "", ErrInvalidArgument
	}
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:]), nil
}

// Normalize canonicalizes an ID number as typed on a form: surrounding and
// inner whitespace, dots and dashes are dropped and letters upper-cased, so
// "1.017.234.567" and "1017234567" are the same document.
func Normalize(document string) string {
	var b strings.Builder
	b.Grow(len(document))
	for _, r := range document {
		switch {
		case unicode.IsSpace(r), r == '.', r == '-':
			continue
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// TokenFor normalizes document and derives its token.
func TokenFor(document string) (string, error) {
	return DeriveToken(Normalize(document))
}
