// Package planner partitions a file into the ordered chunks an upload session stages.
package planner

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

const (
	// GiB ...
	GiB int64 = 1024 * 1024 * 1024

	// LargeFileThreshold is the size above which chunks are enlarged.
	LargeFileThreshold = GiB
	// LargeFileChunkMultiplier is applied to the base chunk size for files above LargeFileThreshold.
	LargeFileChunkMultiplier = 4

	// MaxChunks is the size of the block id space (6 zero-padded digits).
	MaxChunks     = 1_000_000
	blockIDDigits = 6
)

// ErrInvalidInput is returned for non-positive file or chunk sizes.
var ErrInvalidInput = errors.New("invalid input")

// Chunk describes one contiguous byte range of the source file.
type Chunk struct {
	// ID is the 0-based sequence number, it defines the final assembly order.
	ID int
	// Start is the offset of the first byte.
	Start int64
	// End is the offset of the last byte (inclusive).
	End  int64
	Size int64
	// Attempts counts the staging attempts made for this chunk.
	Attempts int
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d-%d]", c.ID, c.Start, c.End)
}

// EffectiveChunkSize returns the chunk size used for a file of the given size.
func EffectiveChunkSize(fileSize, chunkSize int64) int64 {
	if fileSize > LargeFileThreshold {
		return chunkSize * LargeFileChunkMultiplier
	}
	return chunkSize
}

// Plan partitions [0, fileSize) into ordered chunks of the effective chunk size.
// The last chunk holds the remainder.
func Plan(fileSize, chunkSize int64) ([]Chunk, error) {
	if fileSize <= 0 {
		return nil, fmt.Errorf("file size must be positive, got %d: %w", fileSize, ErrInvalidInput)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d: %w", chunkSize, ErrInvalidInput)
	}

	size := EffectiveChunkSize(fileSize, chunkSize)
	count := (fileSize + size - 1) / size
	if count > MaxChunks {
		return nil, fmt.Errorf("%d chunks exceed the limit of %d, use a larger chunk size: %w", count, MaxChunks, ErrInvalidInput)
	}

	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * size
		n := size
		if start+n > fileSize {
			n = fileSize - start
		}
		chunks = append(chunks, Chunk{
			ID:    int(i),
			Start: start,
			End:   start + n - 1,
			Size:  n,
		})
	}

	return chunks, nil
}

// BlockID returns the block identifier of a chunk: the base64 encoded, zero-padded chunk id.
// All identifiers of an object have the same length, as some stores require.
func BlockID(chunkID int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%0*d", blockIDDigits, chunkID)))
}

// ChunkIDFromBlockID is the inverse of BlockID.
func ChunkIDFromBlockID(blockID string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(blockID)
	if err != nil {
		return 0, fmt.Errorf("decode block id %q: %w", blockID, err)
	}
	if len(raw) != blockIDDigits {
		return 0, fmt.Errorf("block id %q has %d digits, expected %d", blockID, len(raw), blockIDDigits)
	}
	id, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("parse block id %q: %w", blockID, err)
	}
	return id, nil
}

// BlockIDs returns the ordered block list of the given chunks.
func BlockIDs(chunks []Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = BlockID(c.ID)
	}
	return ids
}

// TotalSize ...
func TotalSize(chunks []Chunk) int64 {
	var total int64
	for _, c := range chunks {
		total += c.Size
	}
	return total
}
