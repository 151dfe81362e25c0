package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random id, optionally namespaced as prefix_xxxx.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
