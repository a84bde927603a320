package types

import "github.com/google/uuid"

// NewID returns a fresh opaque identifier for an org, project, session,
// entry, version, tag, or relation. IDs are never parsed for structure by
// the engine — they are treated as opaque per §3.
func NewID() string {
	return uuid.NewString()
}
