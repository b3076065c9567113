package docs

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// StableIDLength is the number of characters in a generated stable id.
const StableIDLength = 8

var stableIDEncoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// ShortIDGenerator produces short lowercase identifiers suitable for stable ids.
// Uniqueness is enforced by the files table; callers retry on collision.
type ShortIDGenerator struct{}

func (ShortIDGenerator) New() string {
	u := uuid.New()
	return strings.ToLower(stableIDEncoding.EncodeToString(u[:]))[:StableIDLength]
}
