package stage

import lru "github.com/hashicorp/golang-lru"

// ChunkCache caches immutable chunk regions read from a stage file.
// Because a stage is append-only, a cached region can never be
// invalidated, so one cache may be shared by any number of readers.
type ChunkCache interface {
	// Add caches a freshly-read region.
	Add(key, value interface{})
	// Get retrieves a previously-read region, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewChunkCache creates a new LRU-based chunk cache holding up to size
// regions.
func NewChunkCache(size int) ChunkCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
