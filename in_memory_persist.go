package stage

import (
	"context"
	"fmt"
	"sync"
)

type inMemoryPersist struct {
	entries map[string][]byte
	l       sync.Mutex
}

// NewInMemoryPersist provides a Persist that stores archives in a map,
// usually for testing.
func NewInMemoryPersist() Persist {
	return &inMemoryPersist{}
}

func (imp *inMemoryPersist) Store(ctx context.Context, name string, data []byte) error {
	imp.l.Lock()
	if imp.entries == nil {
		imp.entries = map[string][]byte{}
	}
	imp.entries[name] = append([]byte(nil), data...)
	imp.l.Unlock()
	return nil
}

func (imp *inMemoryPersist) Load(ctx context.Context, name string) ([]byte, error) {
	imp.l.Lock()
	data, ok := imp.entries[name]
	imp.l.Unlock()
	if !ok {
		return nil, fmt.Errorf("inMemoryPersist entry not found for %s", name)
	}
	return data, nil
}
