// Package chainid computes overlay2 chain IDs from an ordered list of diff
// IDs, the same hash chain used by every image store to key its layerdb.
package chainid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Compute returns the chain ID sequence for diffIDs, one entry per input in
// the same order: chainIDs[0] == diffIDs[0]; for i >= 1,
// chainIDs[i] == "sha256:" + lowerhex(sha256(chainIDs[i-1] + " " + diffIDs[i])).
func Compute(diffIDs []string) []string {
	if len(diffIDs) == 0 {
		return nil
	}
	chainIDs := make([]string, len(diffIDs))
	chainIDs[0] = diffIDs[0]
	for i := 1; i < len(diffIDs); i++ {
		chainIDs[i] = link(chainIDs[i-1], diffIDs[i])
	}
	return chainIDs
}

func link(parent, diffID string) string {
	sum := sha256.Sum256([]byte(parent + " " + diffID))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HexPart strips the "sha256:" prefix a chain/diff ID carries, for use as a
// path component (e.g. layerdb/sha256/<hex>).
func HexPart(id string) (string, error) {
	const prefix = "sha256:"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return "", fmt.Errorf("not a sha256 digest: %q", id)
	}
	return id[len(prefix):], nil
}
