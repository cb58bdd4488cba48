package telegram

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
)

// FileSession persists the opaque MTProto session blob at a single path.
// The gateway is the only component that opens it.
type FileSession struct {
	Path string
}

var _ session.Storage = (*FileSession)(nil)

// Exists reports whether a non-empty session blob is on disk.
func (f *FileSession) Exists() bool {
	info, err := os.Stat(f.Path)
	return err == nil && info.Size() > 0
}

func (f *FileSession) LoadSession(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

func (f *FileSession) StoreSession(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o600)
}
