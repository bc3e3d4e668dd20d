package transfer

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

const defaultMimeType = "application/octet-stream"

// Source is a file offered to a peer.
type Source struct {
	Name    string
	Type    string
	Size    int64
	ModTime time.Time
	Reader  io.Reader
}

// OpenFile prepares a file on disk for sending. The caller closes the
// returned Source.
func OpenFile(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &Source{
		Name:    filepath.Base(path),
		Type:    MimeType(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Reader:  file,
	}, nil
}

func (s *Source) Close() error {
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func MimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return defaultMimeType
}
