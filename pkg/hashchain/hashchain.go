package hashchain

import (
	"crypto/sha256"
	"encoding/hex"

	"pactlane/pkg/canonical"
)

// Sum computes the content hash of v: SHA-256 over its canonical encoding,
// returned as "sha256:<hex>".
func Sum(v any) (string, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ChainedSum computes the content hash of v linked to its predecessor: the
// canonical bytes of v, a newline, and the previous hash (empty for the first
// record in a lineage) are hashed together. A record rewritten after the fact
// breaks every later link.
func ChainedSum(v any, previousHash string) (string, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	b = append(b, []byte(previousHash)...)
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
