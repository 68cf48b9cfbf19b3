package datatanker

import "github.com/google/uuid"

// newStorageID generates the identity stamped into a freshly created
// storage's info sidecar, letting diagnostics and logs refer to a storage
// independent of its filesystem path.
func newStorageID() string {
	return uuid.NewString()
}

// parseStorageID validates the StorageId field read back from an info
// sidecar; a malformed value indicates a hand-edited or corrupted file.
func parseStorageID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
