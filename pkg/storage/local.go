package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalArchive implements Archive on the local filesystem. Each account gets a
// directory holding the uploads and a .meta directory of JSON descriptors.
type LocalArchive struct {
	basePath string
	now      func() time.Time
}

// NewLocalArchive creates basePath when missing.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath, now: time.Now}, nil
}

func (s *LocalArchive) Put(ctx context.Context, accountID uuid.UUID, contentHash, filename string, data []byte) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contentHash == "" {
		return nil, errors.New("content hash is required")
	}
	if info, err := s.readMetadata(accountID, contentHash); err == nil {
		return info, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	accountDir := filepath.Join(s.basePath, accountID.String())
	if err := os.MkdirAll(accountDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create account directory: %w", err)
	}

	stored := fmt.Sprintf("%s_%s", shortHash(contentHash), sanitizeFilename(filepath.Base(filename)))
	filePath := filepath.Join(accountDir, stored)
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	info := &FileInfo{
		AccountID:   accountID,
		ContentHash: contentHash,
		Name:        filename,
		Size:        int64(len(data)),
		Path:        filepath.Join(accountID.String(), stored),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.saveMetadata(info); err != nil {
		os.Remove(filePath)
		return nil, err
	}
	return info, nil
}

func (s *LocalArchive) Open(ctx context.Context, accountID uuid.UUID, contentHash string) (io.ReadCloser, *FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	info, err := s.readMetadata(accountID, contentHash)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.basePath, info.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, info, nil
}

// List returns the account's uploads, oldest first.
func (s *LocalArchive) List(ctx context.Context, accountID uuid.UUID) ([]*FileInfo, error) {
	metaDir := s.metaDir(accountID)
	entries, err := os.ReadDir(metaDir)
	if os.IsNotExist(err) {
		return []*FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}

	files := make([]*FileInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := s.readMetadata(accountID, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files, nil
}

func (s *LocalArchive) metaDir(accountID uuid.UUID) string {
	return filepath.Join(s.basePath, accountID.String(), ".meta")
}

func (s *LocalArchive) readMetadata(accountID uuid.UUID, contentHash string) (*FileInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.metaDir(accountID), sanitizeFilename(contentHash)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, contentHash)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var info FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &info, nil
}

func (s *LocalArchive) saveMetadata(info *FileInfo) error {
	metaDir := s.metaDir(info.AccountID)
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaPath := filepath.Join(metaDir, sanitizeFilename(info.ContentHash)+".json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
