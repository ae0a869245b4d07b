package tabsplit

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks client-local identifiers that were never assigned by
// the server.
const TempIDPrefix = "temp-"

// NewQueueID returns a new mutation id. It doubles as the idempotency token
// sent to the remote service, so it must be stable once persisted.
func NewQueueID() string {
	return uuid.NewString()
}

// NewTempID returns a client-local entity id. ULIDs sort by creation time,
// which keeps temp records ordered the same way as their timestamps.
func NewTempID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return TempIDPrefix + uuid.NewString()
	}
	return TempIDPrefix + strings.ToLower(id.String())
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
