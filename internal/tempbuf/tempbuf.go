// Package tempbuf provides a write buffer that stays in memory up to a
// threshold and spills to a scratch file beyond it. The commit editor uses
// it to stream incoming blob content of unknown size.
package tempbuf

import (
	"bytes"
	"io"
	"os"
)

// spillThreshold is the in-memory limit before content moves to disk.
const spillThreshold = 8 * 1024 * 1024

// Buffer accumulates writes and replays them as a reader. The zero value is
// not usable; call New.
type Buffer struct {
	mem  bytes.Buffer
	file *os.File
	size int64
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Write appends p, spilling to a temp file once the threshold is crossed.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.file == nil && b.mem.Len()+len(p) > spillThreshold {
		file, err := os.CreateTemp("", "gas-blob-*")
		if err != nil {
			return 0, err
		}
		// Unlink immediately: the handle keeps the data alive.
		_ = os.Remove(file.Name())
		if _, err := file.Write(b.mem.Bytes()); err != nil {
			_ = file.Close()
			return 0, err
		}
		b.mem.Reset()
		b.file = file
	}

	var n int
	var err error
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

// Size returns the number of bytes written.
func (b *Buffer) Size() int64 {
	return b.size
}

// Bytes materialises the whole content in memory.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.file == nil {
		return b.mem.Bytes(), nil
	}
	out := make([]byte, b.size)
	if _, err := b.file.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Close releases the scratch file, if any.
func (b *Buffer) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
