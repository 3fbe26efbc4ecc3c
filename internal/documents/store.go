// Package documents keeps signed contract files on local disk.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const pdfMIME = "application/pdf"

var (
	ErrNotPDF   = errors.New("signed document must be a PDF")
	ErrEmpty    = errors.New("signed document is empty")
	ErrExists   = errors.New("document key already in use")
	ErrNotFound = errors.New("document not found")
)

// LocalStore writes signed contracts under a base directory. Keys are
// slash-separated paths relative to it.
type LocalStore struct {
	basePath string
	log      zerolog.Logger
}

func NewLocalStore(basePath string, log zerolog.Logger) (*LocalStore, error) {
	logger := log.With().Str("component", "documents").Logger()
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("documents: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create documents directory: %w", err)
	}
	logger.Debug().Str("path", basePath).Msg("document store ready")
	return &LocalStore{basePath: basePath, log: logger}, nil
}

// KeyFor returns a fresh key for a case's signed contract.
func KeyFor(sequence int64) string {
	return fmt.Sprintf("signed/%d-%s.pdf", sequence, uuid.NewString())
}

// SavePDF stores data under key. It refuses non-PDF content and never
// replaces an existing file.
func (l *LocalStore) SavePDF(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrEmpty
	}
	if mt := mimetype.Detect(data); !mt.Is(pdfMIME) {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mt.String())
	}
	full, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(full)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(full)
		return fmt.Errorf("close file: %w", err)
	}
	l.log.Info().Str("key", key).Int("bytes", len(data)).Msg("signed document stored")
	return nil
}

// Open returns a reader for a stored document.
func (l *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Remove deletes a stored document. A missing file is not an error.
func (l *LocalStore) Remove(ctx context.Context, key string) error {
	full, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	l.log.Debug().Str("key", key).Msg("signed document removed")
	return nil
}

// Health checks the storage directory is writable.
func (l *LocalStore) Health(ctx context.Context) error {
	testFile := filepath.Join(l.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

func (l *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid document key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}
