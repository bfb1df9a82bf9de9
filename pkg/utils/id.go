package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateRunID generates a run ID of the form run-<uuid>
func GenerateRunID() string {
	return "run-" + uuid.NewString()
}

// ValidateRunID rejects IDs that cannot be embedded in store keys or URL paths
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if strings.ContainsAny(id, "/: \t\n") {
		return fmt.Errorf("run id %q cannot contain '/', ':' or whitespace", id)
	}
	return nil
}
