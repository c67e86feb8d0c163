package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// SignatureField is the form field carrying the request signature. It is
// always excluded from signing input.
const SignatureField = "signature"

// Sign computes the canonical signature over the supplied fields: values are
// concatenated in lexicographic key order, the shared secret is appended, and
// the result is the lowercase hex SHA-256 digest. Any existing signature
// field is ignored.
func Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fields[k])
	}
	b.WriteString(secret)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes the canonical signature for the payload and
// compares it against the embedded signature field in constant time. It
// returns false when the signature field is absent or does not match; it
// never panics on malformed input.
func VerifySignature(fields map[string]string, secret string) bool {
	provided, ok := fields[SignatureField]
	if !ok || provided == "" {
		return false
	}
	expected := Sign(fields, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
