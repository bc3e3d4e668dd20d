package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Save writes in to dir under its announced name and applies its
// modification time. An existing file is never overwritten; a numbered
// name is chosen instead. It returns the path written.
func Save(in *Incoming, dir string) (string, error) {
	defer in.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".synclink-*.part")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}

	target := uniquePath(dir, SafeName(in.Meta.Name, in.Meta.Seq))
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("moving download into place: %w", err)
	}

	if in.Meta.Mtime > 0 {
		mtime := time.UnixMilli(in.Meta.Mtime)
		if err := os.Chtimes(target, mtime, mtime); err != nil {
			in.peer.logger.Debugf("Failed to set mtime on %s: %v", target, err)
		}
	}
	return target, nil
}

// SafeName strips any directory part from a name chosen by the remote
// side.
func SafeName(name string, seq uint32) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return fmt.Sprintf("file-%d", seq)
	}
	return name
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}
