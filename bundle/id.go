package bundle

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/zeebo/blake3"
)

// DeriveBundleID produces a stable bundle id. The package identifier wins
// when present (slugified so it survives as a file-system friendly name),
// otherwise a content hash is used. A random id is the last resort for
// books carrying neither.
func DeriveBundleID(identifier string, content []byte) string {
	if s := slug.Make(identifier); len(s) != 0 {
		return s
	}
	if len(content) != 0 {
		sum := blake3.Sum256(content)
		return hex.EncodeToString(sum[:])
	}
	return uuid.NewString()
}
