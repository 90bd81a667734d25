package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ScratchStore writes downloaded attachments to a local directory. Files are
// never removed by the store; consumers own their lifetime.
type ScratchStore struct {
	dir string
}

// NewScratchStore creates a store rooted at dir, or at a dingbridge
// directory under the system temp dir when dir is empty. The directory is
// created lazily on the first Put.
func NewScratchStore(dir string) *ScratchStore {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "dingbridge")
	}
	return &ScratchStore{dir: dir}
}

// Dir returns the root directory.
func (s *ScratchStore) Dir() string {
	return s.dir
}

// Put writes data under a fresh random name ending in ext and returns the
// absolute path.
func (s *ScratchStore) Put(_ context.Context, ext string, data []byte) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	dest, err := s.Path(uuid.NewString() + ext)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return dest, nil
}

// Path resolves key inside the scratch dir. Keys must be a single relative
// file name.
func (s *ScratchStore) Path(key string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(key))
	if clean == "." || clean == "" || filepath.IsAbs(clean) || strings.Contains(clean, string(filepath.Separator)) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, key)
	}
	abs, err := filepath.Abs(filepath.Join(s.dir, clean))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}
