package jobs

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// IdempotencyKey derives a stable key for one unit of work from its
// kind, the acting user and the canonical payload bytes. Submitting the
// same confirmed draft twice therefore maps to the same job record.
func IdempotencyKey(kind, userID string, payload []byte) string {
	digest := xxhash.New()
	digest.WriteString(kind)
	digest.WriteString("\x00")
	digest.WriteString(userID)
	digest.WriteString("\x00")
	digest.Write(payload)
	return fmt.Sprintf("%s:%016x", kind, digest.Sum64())
}
