package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DedupHash computes the per-session dedup key for a message.
//
// With an external id the key is (session, source, external id). Without
// one the key folds in a 1-second timestamp bucket and a content prefix so
// optimistic local echoes collapse against the platform echo that follows
// them. Both shapes are scoped to the session: independent sources can
// mint colliding ids, so an id is only unique within its own session log.
func DedupHash(sessionName, role, source, externalID, content string, ts time.Time) string {
	var key string
	if externalID != "" {
		key = fmt.Sprintf("%s:%s:%s", sessionName, source, externalID)
	} else {
		prefix := content
		if len(prefix) > 200 {
			prefix = prefix[:200]
		}
		key = fmt.Sprintf("%s:%s:%s:%s:%d", sessionName, role, source, prefix, ts.UTC().Unix())
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
