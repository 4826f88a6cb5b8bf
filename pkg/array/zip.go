package array

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Deflate compresses data with zlib at the given level.
func Deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to init deflate: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate decompresses zlib data, verifying the result is exactly size bytes.
func Inflate(data []byte, size int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate: %w", err)
	}
	defer r.Close()
	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, io.LimitReader(r, size+1)); err != nil {
		return nil, fmt.Errorf("failed to inflate: %w", err)
	}
	if int64(buf.Len()) != size {
		return nil, fmt.Errorf("inflated to %d bytes, expected %d", buf.Len(), size)
	}
	return buf.Bytes(), nil
}
