// Package storage archives the original statement uploads next to the
// imported transactions.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("archived file not found")

// FileInfo contains metadata about an archived upload
type FileInfo struct {
	AccountID   uuid.UUID `json:"account_id"`
	ContentHash string    `json:"content_hash"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"` // relative to the archive root
	CreatedAt   time.Time `json:"created_at"`
}

// Archive stores uploads keyed by account and content hash. Storing the same
// upload twice keeps the first copy.
type Archive interface {
	Put(ctx context.Context, accountID uuid.UUID, contentHash, filename string, data []byte) (*FileInfo, error)

	// Open returns a reader for an archived upload.
	Open(ctx context.Context, accountID uuid.UUID, contentHash string) (io.ReadCloser, *FileInfo, error)

	List(ctx context.Context, accountID uuid.UUID) ([]*FileInfo, error)
}

// sanitizeFilename removes unsafe characters from filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}
