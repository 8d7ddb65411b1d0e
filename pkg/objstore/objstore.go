// Package objstore stores document bytes and export artifacts. Keys are
// rooted at clients/{client}/cases/{case}/ so a bucket can be browsed by
// tenant: uploaded documents under uploads/, export artifacts under
// runs/{run}/artifacts/.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("objstore: not found")

// Store is the object storage contract.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Presign returns a time-limited download URL, or an empty string if
	// the backend cannot presign.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// UploadKey builds the storage key for an uploaded document. Documents are
// keyed by upload, not by run, so several runs over the same case share the
// stored bytes.
func UploadKey(clientID, caseID, uploadID, filename string) string {
	return fmt.Sprintf("clients/%s/cases/%s/uploads/%s/%s",
		clientID, caseID, uploadID, filename)
}

// ArtifactKey builds the storage key for an export artifact.
func ArtifactKey(clientID, caseID, runID, filename string) string {
	return fmt.Sprintf("clients/%s/cases/%s/runs/%s/artifacts/%s",
		clientID, caseID, runID, filename)
}
