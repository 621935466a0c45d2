// Package relation parses the PostgreSQL and Redis connection data that
// Superset depends on.
package relation

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned when relation data lacks a required key.
var ErrIncomplete = errors.New("relation data incomplete")

func require(data map[string]string, keys ...string) error {
	for _, k := range keys {
		if data[k] == "" {
			return fmt.Errorf("%w: missing %q", ErrIncomplete, k)
		}
	}
	return nil
}
