package tool

import "github.com/google/uuid"

// GenerateUUIDV7 returns a time-ordered id; rows created together sort
// together, which keeps ledger scans in insertion order.
func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}
