package fsops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadChunks streams the file at path as fixed-size chunks, in offset
// order, over the given channel. Each chunk is an independently owned
// buffer; only the final chunk may be shorter than chunkSize. Returns
// the total number of bytes read, or the first read error. The send
// blocks until the consumer takes the previous chunk, so memory in
// flight is bounded by the channel capacity.
func ReadChunks(ctx context.Context, path string, chunkSize int, chunks chan<- []byte) (uint64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var total uint64
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			total += uint64(n)
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return total, nil
			}
			return total, fmt.Errorf("read %s: %w", path, err)
		}
	}
}
