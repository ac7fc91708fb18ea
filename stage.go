package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// StageFile is on-disk storage for large constructive data structures.
//
// A stage file is opened read/write with durable writes: every
// successful Append has reached the underlying storage before it
// returns, so that state can be recovered after a crash or power
// failure.  The file is never truncated except, on request, at open
// time, and bytes once written never change.
//
// Appends are serialized by a stage-wide lock.  Reads take no lock
// beyond a snapshot of the current file handle, and may run
// concurrently with each other and with appends.  If the underlying
// file is found closed during a read or append, the stage reopens the
// same path (without truncating) and retries.
type StageFile struct {
	path string

	// mu guards the identity of file as well as append ordering.
	mu   sync.Mutex
	file *os.File

	cacheMu sync.Mutex
	cache   ChunkCache
}

const stageOpenFlags = os.O_RDWR | os.O_CREATE | os.O_SYNC

// Open opens the stage file at the given path, creating it if
// necessary.  If truncate is set, previously staged chunks are
// discarded by truncating the file to zero length; otherwise the file
// is left unchanged so that state from a previous session can be
// recovered.
//
// The same file must not be opened as a stage more than once, whether
// by the same process or not.  This is not currently enforced.
func Open(path string, truncate bool) (*StageFile, error) {
	flags := stageOpenFlags
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stage file %s: %w", path, err)
	}
	return &StageFile{path: path, file: f}, nil
}

// Path returns the pathname the stage file was opened with.
func (s *StageFile) Path() string { return s.path }

// Close closes the underlying file.  A subsequent Append or ReadChunk
// transparently reopens it.
func (s *StageFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.file.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close stage file %s: %w", s.path, err)
	}
	return nil
}

// Size returns the current size of the stage file in bytes.
func (s *StageFile) Size() (int64, error) {
	f := s.handle()
	info, err := f.Stat()
	if err != nil {
		if !errors.Is(err, os.ErrClosed) {
			return 0, &ChunkReadIOError{Path: s.path, Err: err}
		}
		if f, err = s.reopen(f); err != nil {
			return 0, &ChunkReadIOError{Path: s.path, Err: err}
		}
		if info, err = f.Stat(); err != nil {
			return 0, &ChunkReadIOError{Path: s.path, Err: err}
		}
	}
	return info.Size(), nil
}

func (s *StageFile) handle() *os.File {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	return f
}

// reopen replaces a closed file handle with a fresh one on the same
// path, without truncating.  The caller passes the handle it found
// closed; if another goroutine already reopened, the newer handle is
// returned as is.
func (s *StageFile) reopen(old *os.File) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != old {
		return s.file, nil
	}
	f, err := os.OpenFile(s.path, stageOpenFlags, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	return f, nil
}

// Append writes the given bytes to the end of the stage file and
// returns the offset at which the first byte landed, which doubles as
// the chunk ID of the freshly staged chunk.  Appends are serialized,
// so concurrent callers never interleave within a chunk; use Sequence
// to make multiple chunks land adjacently.
func (s *StageFile) Append(buf []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(buf)
}

func (s *StageFile) appendLocked(buf []byte) (int64, error) {
	for attempt := 0; ; attempt++ {
		start, err := s.tryAppend(buf)
		if err == nil {
			return start, nil
		}
		if attempt > 0 || !errors.Is(err, os.ErrClosed) {
			return -1, &ChunkWriteIOError{Path: s.path, Err: err}
		}
		f, rerr := os.OpenFile(s.path, stageOpenFlags, 0o644)
		if rerr != nil {
			return -1, &ChunkWriteIOError{Path: s.path, Err: rerr}
		}
		s.file = f
	}
}

func (s *StageFile) tryAppend(buf []byte) (int64, error) {
	start, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return -1, err
	}
	offset := start
	for len(buf) > 0 {
		n, err := s.file.WriteAt(buf, offset)
		offset += int64(n)
		buf = buf[n:]
		if err != nil {
			return -1, err
		}
	}
	return start, nil
}

// ReadChunk reads exactly len(buf) bytes starting at the given offset
// into buf.  The region [offset, offset+len(buf)) must lie entirely
// within the current file size; otherwise a *ChunkOffsetOutOfRangeError
// is returned.  A negative offset is rejected for non-empty reads.
// Reading zero bytes succeeds unconditionally without touching the
// file, regardless of offset.
//
// Read boundaries need not align with append boundaries: any fully
// staged region may be read back, regardless of the chunk boundaries
// it was written with.
func (s *StageFile) ReadChunk(buf []byte, offset int64) error {
	if len(buf) == 0 {
		return nil
	}
	if offset < 0 {
		return fmt.Errorf("negative chunk offset %d for stage file %s", offset, s.path)
	}
	if s.cacheGet(buf, offset) {
		return nil
	}
	f := s.handle()
	reopened := false
	pos := offset
	rest := buf
	for len(rest) > 0 {
		n, err := f.ReadAt(rest, pos)
		pos += int64(n)
		rest = rest[n:]
		if err == nil {
			continue
		}
		if err == io.EOF {
			if len(rest) > 0 {
				return &ChunkOffsetOutOfRangeError{Path: s.path, Offset: offset}
			}
			break
		}
		if errors.Is(err, os.ErrClosed) && !reopened {
			reopened = true
			if f, err = s.reopen(f); err == nil {
				continue
			}
		}
		return &ChunkReadIOError{Path: s.path, Err: err}
	}
	s.cacheAdd(buf, offset)
	return nil
}

// Sequence runs task while holding the stage-wide append lock, so that
// all chunks appended through the given Sequencer land adjacently in
// the file.  Appending through the StageFile itself from within task
// would deadlock; use the Sequencer.
func (s *StageFile) Sequence(task func(seq *Sequencer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task(&Sequencer{s})
}

// Sequencer appends chunks within a Sequence callback.
type Sequencer struct {
	s *StageFile
}

// Append behaves like StageFile.Append, under the already-held
// sequence lock.
func (q *Sequencer) Append(buf []byte) (int64, error) {
	return q.s.appendLocked(buf)
}

// Contents returns a copy of all bytes staged so far.  Since the
// sequence lock is held, no append can land in the middle of the copy.
func (q *Sequencer) Contents() ([]byte, error) {
	s := q.s
	for attempt := 0; ; attempt++ {
		data, err := s.tryContents()
		if err == nil {
			return data, nil
		}
		if attempt > 0 || !errors.Is(err, os.ErrClosed) {
			return nil, &ChunkReadIOError{Path: s.path, Err: err}
		}
		f, rerr := os.OpenFile(s.path, stageOpenFlags, 0o644)
		if rerr != nil {
			return nil, &ChunkReadIOError{Path: s.path, Err: rerr}
		}
		s.file = f
	}
}

func (s *StageFile) tryContents() ([]byte, error) {
	info, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	rest := data
	pos := int64(0)
	for len(rest) > 0 {
		n, err := s.file.ReadAt(rest, pos)
		pos += int64(n)
		rest = rest[n:]
		if err == io.EOF {
			// concurrent truncation cannot happen; treat as done
			data = data[:pos]
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// SetChunkCache installs a cache consulted by ReadChunk before going
// to the file and populated on successful reads.  Since staged bytes
// are immutable, cached regions can never go stale.  A nil cache
// disables caching.
func (s *StageFile) SetChunkCache(cache ChunkCache) {
	s.cacheMu.Lock()
	s.cache = cache
	s.cacheMu.Unlock()
}

type chunkRegion struct {
	offset int64
	length int
}

func (s *StageFile) cacheGet(buf []byte, offset int64) bool {
	s.cacheMu.Lock()
	cache := s.cache
	s.cacheMu.Unlock()
	if cache == nil {
		return false
	}
	value, ok := cache.Get(chunkRegion{offset, len(buf)})
	if !ok {
		return false
	}
	cached, ok := value.([]byte)
	if !ok || len(cached) != len(buf) {
		return false
	}
	copy(buf, cached)
	return true
}

func (s *StageFile) cacheAdd(buf []byte, offset int64) {
	s.cacheMu.Lock()
	cache := s.cache
	s.cacheMu.Unlock()
	if cache == nil {
		return
	}
	cached := make([]byte, len(buf))
	copy(cached, buf)
	cache.Add(chunkRegion{offset, len(buf)}, cached)
}
