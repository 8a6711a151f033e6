package emitter

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NormalizeID canonicalizes an envelope identifier. Three forms are accepted
// for cross-ecosystem interop:
//
//   - 26-char Crockford base32 ULID, canonicalized to upper case
//   - 36-char hyphenated UUID, canonicalized to lower case
//   - 32-char bare UUID, normalized to hyphenated lower case
//
// Everything else is rejected, including ULIDs containing the excluded
// Crockford characters I, L, O, U.
func NormalizeID(id string) (string, error) {
	switch len(id) {
	case 26:
		upper := strings.ToUpper(id)
		if strings.ContainsAny(upper, "ILOU") {
			return "", fmt.Errorf("invalid ULID %q: contains excluded Crockford character", id)
		}
		if _, err := ulid.ParseStrict(upper); err != nil {
			return "", fmt.Errorf("invalid ULID %q: %w", id, err)
		}
		return upper, nil
	case 36, 32:
		u, err := uuid.Parse(id)
		if err != nil {
			return "", fmt.Errorf("invalid UUID %q: %w", id, err)
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("invalid envelope id %q: must be a 26-char ULID or a 32/36-char UUID", id)
	}
}
