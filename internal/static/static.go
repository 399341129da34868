package static

import (
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hashserve/internal/hashuri"
)

// Resource is one servable file. The caller owns it and must Close it.
type Resource struct {
	ModTime     time.Time
	Size        int64
	ContentType string

	file *os.File
}

func (r *Resource) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *Resource) Close() error {
	return r.file.Close()
}

// Dir looks up static filesystem resources under a root directory.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// resolve maps a request path to a file path under root, or "" when the
// path escapes the root.
func (d *Dir) resolve(requestPath string) string {
	if d == nil || d.root == "" {
		return ""
	}
	cleaned := path.Clean("/" + requestPath)
	if strings.Contains(cleaned, "..") {
		return ""
	}
	return filepath.Join(d.root, filepath.FromSlash(cleaned))
}

// Lookup opens the file for requestPath. Directories are not served.
// Modification times are reported at one-second granularity, matching the
// precision of HTTP validators.
func (d *Dir) Lookup(requestPath string) (*Resource, bool) {
	full := d.resolve(requestPath)
	if full == "" {
		return nil, false
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, false
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, false
	}
	return &Resource{
		ModTime:     info.ModTime().Truncate(time.Second),
		Size:        info.Size(),
		ContentType: contentType(full),
		file:        f,
	}, true
}

// Exists reports whether requestPath names a servable file without
// opening it.
func (d *Dir) Exists(requestPath string) bool {
	full := d.resolve(requestPath)
	if full == "" {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// Opener returns a hashuri.Opener re-reading the resource from disk, for
// background hash computation.
func (d *Dir) Opener(requestPath string) hashuri.Opener {
	full := d.resolve(requestPath)
	return func() (io.ReadCloser, error) {
		return os.Open(full)
	}
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
