// Package token implements the gateway's TokenStore (spec.md §4.1): an
// opaque-bearer-token authentication store subject to manual approval,
// backed by a small keyed SQLite table with a flat-file backup mirror.
package token

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

// New mints a fresh 128-bit random token, rendered as the hyphenated
// lowercase hex form used throughout the gateway's wire protocol.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate random token")
	}
	h := hex.EncodeToString(b)
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32], nil
}
