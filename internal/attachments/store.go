// Package attachments stores uploaded images on local disk and hands out
// references the HTTP layer serves back under its base URL.
package attachments

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const DefaultMaxBytes = 5 << 20

var (
	ErrTooLarge        = errors.New("attachment too large")
	ErrUnsupportedType = errors.New("attachment must be an image")
	ErrEmpty           = errors.New("attachment is empty")
	ErrUnknownRef      = errors.New("attachment reference not owned by this store")
)

type Store struct {
	dir      string
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

func New(dir, baseURL string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Store{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger.With("component", "attachments"),
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save sniffs the content of r, keeps it only when it is an image within the
// size limit, and returns the reference clients use to fetch it.
func (s *Store) Save(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", fmt.Errorf("%w: got %s", ErrUnsupportedType, mtype.String())
	}

	name := uuid.NewString() + mtype.Extension()
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing attachment: %w", err)
	}
	s.logger.Debug("attachment saved", "name", name, "mime", mtype.String(), "size", len(data))
	return s.baseURL + "/" + name, nil
}

// Remove deletes the file behind a reference returned by Save. Removing a
// file that is already gone is not an error.
func (s *Store) Remove(ref string) error {
	name, ok := strings.CutPrefix(ref, s.baseURL+"/")
	if !ok || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrUnknownRef, ref)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing attachment: %w", err)
	}
	s.logger.Debug("attachment removed", "name", name)
	return nil
}
