package file

import (
	"context"
	"os"
	"path/filepath"
)

// Persist implements the stage.Persist interface for storing and
// loading archives as files in a directory.
type Persist struct {
	basepath string
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.basepath, name))
}

// Store persists the given bytes in a file of the given name,
// replacing any previous contents.
func (p Persist) Store(ctx context.Context, name string, data []byte) error {
	return os.WriteFile(filepath.Join(p.basepath, name), data, 0o644)
}

// NewPersistForPath returns a Persist that loads and stores archives
// as files in the directory at the given path.
//
//	p := NewPersistForPath("/var/db/stages")
//	blob, err := p.Load(ctx, "editor-session")
func NewPersistForPath(path string) Persist {
	return Persist{path}
}
