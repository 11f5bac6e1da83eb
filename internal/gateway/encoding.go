package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/semaphore"
)

// cpuSem bounds concurrent compression-heavy work so a burst of first
// demands on large events cannot starve the socket pumps.
var cpuSem = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))

// DefaultCompressionLevel is the default zlib level, equal to
// config.DefaultCompressionLevel; connections encode at their configured
// Config.CompressionLevel.
const DefaultCompressionLevel = 7

// ErrCompression wraps deflate failures; fatal at event construction.
var ErrCompression = errors.New("compression error")

// Writers are pooled per level to amortize their ~256 KiB of state across
// events; Reset both clears leftover state and retargets the output buffer.
var deflatePools [zlib.BestCompression + 1]sync.Pool

func clampLevel(level int) int {
	if level < zlib.NoCompression {
		return zlib.NoCompression
	}
	if level > zlib.BestCompression {
		return zlib.BestCompression
	}
	return level
}

// deflate compresses input as a zlib stream at the given level.
func deflate(input []byte, level int) ([]byte, error) {
	level = clampLevel(level)

	if err := cpuSem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer cpuSem.Release(1)

	var buf bytes.Buffer
	buf.Grow(len(input)/2 + 64)

	pool := &deflatePools[level]
	w, _ := pool.Get().(*zlib.Writer)
	if w == nil {
		var err error
		w, err = zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
	} else {
		w.Reset(&buf)
	}
	defer pool.Put(w)

	if _, err := w.Write(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return buf.Bytes(), nil
}

// inflate decompresses a zlib stream, bounding output at limit bytes to
// keep hostile clients from ballooning memory.
func inflate(input []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrCompression, limit)
	}
	return out, nil
}
