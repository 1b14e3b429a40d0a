// Package chunk defines the data types shared by the worker's convergence
// engine: chunk and dataset identifiers, the block-range a chunk covers, and
// the download command a scheduler submits for a chunk.
package chunk

import (
	"encoding/hex"
	"fmt"
)

// idLen is the fixed width of a DatasetId or ChunkId, in bytes.
const idLen = 32

// DatasetId identifies a dataset within the data lake.
type DatasetId [idLen]byte

// ChunkId identifies a chunk. Globally unique across datasets.
type ChunkId [idLen]byte

// String renders the id as lower-case hex, matching the on-disk convention.
func (d DatasetId) String() string { return hex.EncodeToString(d[:]) }

// String renders the id as lower-case hex, matching the on-disk convention.
func (c ChunkId) String() string { return hex.EncodeToString(c[:]) }

// Less orders ChunkIds lexicographically by their byte representation, used
// to break ties between overlapping chunks that both reach Ready.
func (c ChunkId) Less(other ChunkId) bool {
	for i := range c {
		if c[i] != other[i] {
			return c[i] < other[i]
		}
	}
	return false
}

// ParseDatasetId decodes a lower-case hex string of exactly 64 characters
// into a DatasetId, as produced by DatasetId.String.
func ParseDatasetId(s string) (DatasetId, error) {
	var id DatasetId
	if err := decodeFixed(s, id[:]); err != nil {
		return DatasetId{}, fmt.Errorf("parse dataset id: %w", err)
	}
	return id, nil
}

// ParseChunkId decodes a lower-case hex string of exactly 64 characters
// into a ChunkId, as produced by ChunkId.String.
func ParseChunkId(s string) (ChunkId, error) {
	var id ChunkId
	if err := decodeFixed(s, id[:]); err != nil {
		return ChunkId{}, fmt.Errorf("parse chunk id: %w", err)
	}
	return id, nil
}

func decodeFixed(s string, dst []byte) error {
	if len(s) != idLen*2 {
		return fmt.Errorf("expected %d hex characters, got %d", idLen*2, len(s))
	}
	n, err := hex.Decode(dst, []byte(s))
	if err != nil {
		return err
	}
	if n != idLen {
		return fmt.Errorf("expected %d decoded bytes, got %d", idLen, n)
	}
	return nil
}

// BlockRange is a half-open interval [Lo, Hi) of block numbers.
type BlockRange struct {
	Lo uint64
	Hi uint64
}

// Contains reports whether the range covers block number b.
func (r BlockRange) Contains(b uint64) bool {
	return b >= r.Lo && b < r.Hi
}

// Overlaps reports whether the two ranges share any block number.
func (r BlockRange) Overlaps(other BlockRange) bool {
	return r.Lo < other.Hi && other.Lo < r.Hi
}

// Valid reports whether the range is well-formed (Lo < Hi).
func (r BlockRange) Valid() bool { return r.Lo < r.Hi }

// DataChunk is the command input describing a chunk to download: its
// identity, the dataset and block range it covers, and the set of files
// that must be fetched to make it Ready.
type DataChunk struct {
	Id         ChunkId
	DatasetId  DatasetId
	BlockRange BlockRange
	// Files maps a relative filename (no traversal components) to the URL
	// the Blob Source should fetch it from.
	Files map[string]string
}

// Validate checks the structural invariants spec'd for a DataChunk: a
// non-empty, well-formed range and a non-empty file set with no path
// traversal in filenames.
func (c DataChunk) Validate() error {
	if !c.BlockRange.Valid() {
		return fmt.Errorf("block range [%d, %d) is not valid: lo must be < hi", c.BlockRange.Lo, c.BlockRange.Hi)
	}
	if len(c.Files) == 0 {
		return fmt.Errorf("chunk %s declares no files", c.Id)
	}
	for name := range c.Files {
		if err := validateRelativeFilename(name); err != nil {
			return fmt.Errorf("chunk %s: %w", c.Id, err)
		}
	}
	return nil
}

func validateRelativeFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty filename")
	}
	if name[0] == '/' {
		return fmt.Errorf("filename %q must be relative", name)
	}
	depth := 0
	for _, seg := range splitPath(name) {
		switch seg {
		case "", ".":
			continue
		case "..":
			return fmt.Errorf("filename %q contains a traversal component", name)
		default:
			depth++
		}
	}
	if depth == 0 {
		return fmt.Errorf("filename %q has no path segments", name)
	}
	return nil
}

func splitPath(name string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '/' {
			segs = append(segs, name[start:i])
			start = i + 1
		}
	}
	return segs
}
