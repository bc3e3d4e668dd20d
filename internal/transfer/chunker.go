package transfer

import (
	"errors"
	"io"
)

// Chunker slices a stream into chunks of exactly size bytes regardless of
// how the underlying reader splits its data. Only the final chunk may be
// shorter.
type Chunker struct {
	r    io.Reader
	size int
	done bool
}

func NewChunker(r io.Reader, size int) *Chunker {
	return &Chunker{r: r, size: size}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		c.done = true
		return nil, io.EOF
	default:
		return nil, err
	}
}
