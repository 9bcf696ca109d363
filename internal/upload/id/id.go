// Package id provides unique identifier generation for upload sessions
// and assembled artifacts.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewUploadID creates a new unique upload session ID.
// Format: upl-<uuid>
// Example: upl-6f1c1bfa-9e0c-4dbb-a3e4-2c9a7f3f8d10
func NewUploadID() string {
	return fmt.Sprintf("upl-%s", uuid.NewString())
}

// NewArtifactName creates a fresh unique name for an assembled artifact.
// The original filename is kept as a suffix so the extension survives
// for content-type inference downstream.
func NewArtifactName(filename string) string {
	return fmt.Sprintf("%s_%s", uuid.NewString(), filename)
}
