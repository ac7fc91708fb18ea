package stage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/minio/blake2b-simd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Persist is the interface for storing and loading stage archives in a
// blob store.  Implementations for a directory and for S3 live in the
// persist subpackages.
type Persist interface {
	// Store makes the given bytes accessible by the given name,
	// replacing any previous archive of that name.
	Store(ctx context.Context, name string, data []byte) error
	// Load retrieves previously-stored bytes by name.
	Load(ctx context.Context, name string) ([]byte, error)
}

// ManifestSuffix is appended to an archive's name to form the name of
// its manifest blob.
const ManifestSuffix = ".manifest"

// Archive manifest wire format, protowire-encoded:
// 1: varint size of the archived stage in bytes
// 2: bytes BLAKE2b-256 digest of the archived stage
const (
	manifestSizeField   = 1
	manifestDigestField = 2
)

func encodeManifest(size int64, digest []byte) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, manifestSizeField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(size))
	buf = protowire.AppendTag(buf, manifestDigestField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, digest)
	return buf
}

func decodeManifest(buf []byte) (int64, []byte, error) {
	size := int64(-1)
	var digest []byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, nil, fmt.Errorf("parse archive manifest: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == manifestSizeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("parse archive manifest size: %w", protowire.ParseError(n))
			}
			size = int64(v)
			buf = buf[n:]
		case num == manifestDigestField && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("parse archive manifest digest: %w", protowire.ParseError(n))
			}
			digest = append([]byte(nil), b...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, nil, fmt.Errorf("parse archive manifest: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	if size < 0 || len(digest) == 0 {
		return 0, nil, fmt.Errorf("incomplete archive manifest")
	}
	return size, digest, nil
}

// Archive stores a point-in-time copy of the stage under the given
// name in the blob store, along with a manifest recording its size and
// BLAKE2b-256 digest.  The copy is taken under the stage-wide lock, so
// it never ends mid-chunk.
func Archive(ctx context.Context, s *StageFile, p Persist, name string) error {
	var data []byte
	err := s.Sequence(func(seq *Sequencer) error {
		var err error
		data, err = seq.Contents()
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	digest := blake2b.Sum256(data)
	if err := p.Store(ctx, name, data); err != nil {
		return fmt.Errorf("store archive %s: %w", name, err)
	}
	if err := p.Store(ctx, name+ManifestSuffix, encodeManifest(int64(len(data)), digest[:])); err != nil {
		return fmt.Errorf("store archive manifest %s: %w", name, err)
	}
	return nil
}

// Restore loads the named archive from the blob store, verifies it
// against its manifest, writes it to the given path, and opens it as a
// stage without truncating.
func Restore(ctx context.Context, p Persist, name, path string) (*StageFile, error) {
	mbuf, err := p.Load(ctx, name+ManifestSuffix)
	if err != nil {
		return nil, fmt.Errorf("load archive manifest %s: %w", name, err)
	}
	size, digest, err := decodeManifest(mbuf)
	if err != nil {
		return nil, err
	}
	data, err := p.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", name, err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("archive %s is %d bytes, manifest says %d", name, len(data), size)
	}
	sum := blake2b.Sum256(data)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("archive %s does not match its manifest digest", name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write restored stage file %s: %w", path, err)
	}
	return Open(path, false)
}
