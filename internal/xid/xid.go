package xid

import "github.com/google/uuid"

// New returns a prefixed identifier such as "sale-6f1c...". It prefers a
// time-ordered UUIDv7 so ids sort roughly by creation.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
