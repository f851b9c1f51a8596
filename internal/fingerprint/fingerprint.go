// Package fingerprint computes SHA-256 digests and form signatures.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Hasher implements submission.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FormSignature digests the structural shape of a discovered form. Labels and
// placeholders are left out so copy edits on the page do not invalidate a mapping.
// An empty field list has an empty signature.
func FormSignature(fields []submission.FormField) string {
	if len(fields) == 0 {
		return ""
	}
	descriptors := make([]string, 0, len(fields))
	for _, f := range fields {
		descriptors = append(descriptors, strings.ToLower(strings.Join([]string{f.Tag, f.Type, f.Name, f.ID}, "|")))
	}
	sort.Strings(descriptors)
	sum := sha256.Sum256([]byte(strings.Join(descriptors, "\n")))
	return hex.EncodeToString(sum[:])
}
