package order

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NumberGenerator returns a candidate order number for an order placed at now.
// Candidates may collide; placement retries with a fresh one.
type NumberGenerator func(now time.Time) (string, error)

// RandomNumbers yields numbers like ORD-20240131-9F3A1C: the prefix, the UTC
// date and six random hex digits.
func RandomNumbers(prefix string) NumberGenerator {
	return func(now time.Time) (string, error) {
		var suffix [3]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("failed to generate order number: %w", err)
		}
		return fmt.Sprintf("%s-%s-%s",
			prefix,
			now.UTC().Format("20060102"),
			strings.ToUpper(hex.EncodeToString(suffix[:])),
		), nil
	}
}
